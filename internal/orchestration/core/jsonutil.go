package core

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func toMap(j datatypes.JSON) map[string]any {
	if len(j) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(j, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func toJSON(m map[string]any) datatypes.JSON {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(b)
}
