package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
	"github.com/oss/geoetl-orchestrator/internal/pkg/dbctx"
	"github.com/oss/geoetl-orchestrator/internal/platform/bus"
	"github.com/oss/geoetl-orchestrator/internal/platform/config"
	"github.com/oss/geoetl-orchestrator/internal/platform/logger"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/registry"
	"github.com/oss/geoetl-orchestrator/internal/orchestration/retry"
)

// fakeStore is an in-memory stand-in for the Postgres-backed JobRepo and
// TaskRepo, reproducing the advisory-locked stored procedures' observable
// behavior (single mutex standing in for pg_advisory_xact_lock) so the
// seed scenarios and P1-P7 properties in §8 can be exercised without a
// database.
type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]*types.JobRecord
	tasks map[string]*types.TaskRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*types.JobRecord{}, tasks: map[string]*types.TaskRecord{}}
}

func cloneJob(j *types.JobRecord) *types.JobRecord {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

func cloneTask(t *types.TaskRecord) *types.TaskRecord {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (s *fakeStore) Create(dbc dbctx.Context, job *types.JobRecord) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return s.jobs[job.JobID], nil
	}
	s.jobs[job.JobID] = cloneJob(job)
	return job, nil
}

func (s *fakeStore) GetByID(dbc dbctx.Context, jobID string) (*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneJob(s.jobs[jobID]), nil
}

func (s *fakeStore) UpdateFieldsUnlessTerminal(dbc dbctx.Context, jobID string, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Terminal() {
		return false, nil
	}
	if status, ok := updates["status"]; ok {
		j.Status = status.(types.JobStatus)
	}
	return true, nil
}

func (s *fakeStore) AdvanceStage(dbc dbctx.Context, jobID string, nextStage int, stageResults map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	if nextStage != j.Stage+1 || nextStage > j.TotalStages {
		return false, nil
	}
	merged := toMap(j.StageResults)
	for k, v := range stageResults {
		merged[k] = v
	}
	j.StageResults = toJSON(merged)
	j.Stage = nextStage
	if j.Status == types.JobQueued {
		j.Status = types.JobProcessing
	}
	return true, nil
}

func (s *fakeStore) CheckCompletion(dbc dbctx.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return j.Stage >= j.TotalStages, nil
}

func (s *fakeStore) SetTerminal(dbc dbctx.Context, jobID string, status types.JobStatus, resultData map[string]any, errorDetails string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Terminal() {
		return false, nil
	}
	j.Status = status
	j.ResultData = toJSON(resultData)
	j.ErrorDetails = errorDetails
	return true, nil
}

func (s *fakeStore) BulkCreate(dbc dbctx.Context, tasks []*types.TaskRecord) ([]*types.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		if _, exists := s.tasks[t.TaskID]; exists {
			continue
		}
		s.tasks[t.TaskID] = cloneTask(t)
	}
	return tasks, nil
}

func (s *fakeStore) GetByIDTask(dbc dbctx.Context, taskID string) (*types.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTask(s.tasks[taskID]), nil
}

func (s *fakeStore) ListForJobStage(dbc dbctx.Context, jobID string, stage int) ([]*types.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.TaskRecord
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Stage == stage {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *fakeStore) GetByJobStageAndIndex(dbc dbctx.Context, jobID string, stage int, taskIndex string) (*types.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ParentJobID == jobID && t.Stage == stage && t.TaskIndex == taskIndex {
			return cloneTask(t), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ClaimForProcessing(dbc dbctx.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskQueued {
		return false, nil
	}
	t.Status = types.TaskProcessing
	return true, nil
}

// CompleteAndCheckStage reproduces complete_task_and_check_stage: mark a
// PROCESSING task terminal (any other task reports false, so a replay is
// never a second "last task"), then report whether it was the last non-terminal sibling
// of (job_id, stage), all under the single fake-store mutex standing in
// for pg_advisory_xact_lock(hashtext(job_id)).
func (s *fakeStore) CompleteAndCheckStage(dbc dbctx.Context, taskID, jobID string, stage int, resultData map[string]any, errorDetails string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != types.TaskProcessing {
		return false, nil
	}
	if errorDetails == "" {
		t.Status = types.TaskCompleted
	} else {
		t.Status = types.TaskFailed
	}
	t.ResultData = toJSON(resultData)
	t.ErrorDetails = errorDetails

	for _, other := range s.tasks {
		if other.ParentJobID == jobID && other.Stage == stage && !other.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

func (s *fakeStore) Heartbeat(dbc dbctx.Context, taskID string) error { return nil }

func (s *fakeStore) BatchUpdateStatuses(dbc dbctx.Context, taskIDs []string, status types.TaskStatus, errorDetails string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range taskIDs {
		if t, ok := s.tasks[id]; ok {
			t.Status = status
			t.ErrorDetails = errorDetails
			n++
		}
	}
	return n, nil
}

// taskRepoAdapter and jobRepoAdapter narrow fakeStore to the exact
// repos.JobRepo / repos.TaskRepo method sets (GetByID collides in name
// between the two interfaces, so fakeStore exposes GetByIDTask and each
// adapter forwards the right one).
type jobRepoAdapter struct{ *fakeStore }

type taskRepoAdapter struct{ *fakeStore }

func (a taskRepoAdapter) GetByID(dbc dbctx.Context, taskID string) (*types.TaskRecord, error) {
	return a.fakeStore.GetByIDTask(dbc, taskID)
}

// fakeBus is an in-memory bus.Bus: Send records the message, Receive is
// unused by these tests since ProcessJob/ProcessTask are invoked directly
// to keep the seed scenarios deterministic and synchronous.
type fakeBus struct {
	mu   sync.Mutex
	sent map[string][][]byte
}

func newFakeBus() *fakeBus { return &fakeBus{sent: map[string][][]byte{}} }

func (b *fakeBus) Send(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	b.sent[queue] = append(b.sent[queue], cp)
	return nil
}

func (b *fakeBus) Receive(ctx context.Context, queue string) (*bus.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *fakeBus) Ack(ctx context.Context, queue string, m *bus.Message) error     { return nil }
func (b *fakeBus) Renew(ctx context.Context, queue string, m *bus.Message) error   { return nil }
func (b *fakeBus) Abandon(ctx context.Context, queue string, m *bus.Message) error { return nil }
func (b *fakeBus) Close() error                                                    { return nil }

func (b *fakeBus) count(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[queue])
}

func (b *fakeBus) messages(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte{}, b.sent[queue]...)
}

type fakeHandler struct {
	taskType string
	fn       func(params map[string]any, tc types.TaskContext) (types.TaskResult, error)
}

func (h *fakeHandler) Type() string { return h.taskType }
func (h *fakeHandler) Handle(ctx context.Context, params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
	return h.fn(params, tc)
}

func testConfig() *config.Config {
	return &config.Config{
		LockDuration:     time.Minute,
		AutoRenewMax:     time.Minute,
		HandlerTimeout:   time.Minute,
		MaxDeliveryCount: 1,
		JobsQueueName:    "jobs",
		TasksQueueName:   "tasks",

		RetryMax:       3,
		RetryBaseDelay: 250 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

// buildMachine wires a Machine over fakeStore/fakeBus with a single-stage
// echo blueprint ("hello_world") registered, matching §8.3's simplest
// seed scenario.
func buildMachine(t *testing.T) (*Machine, *fakeStore, *fakeBus) {
	t.Helper()
	store := newFakeStore()
	fb := newFakeBus()
	handlers := registry.NewHandlerRegistry()
	jobs := registry.NewJobRegistry(handlers)

	if err := handlers.Register(&fakeHandler{
		taskType: "echo",
		fn: func(params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
			return types.TaskResult{Success: true, ResultData: params}, nil
		},
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	bp := helloWorldBlueprint()
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}

	m := NewMachine(jobRepoAdapter{store}, taskRepoAdapter{store}, nil, jobs, handlers, fb, testConfig(), testLogger(t))
	return m, store, fb
}

func helloWorldBlueprint() *types.JobBlueprint {
	return &types.JobBlueprint{
		JobType: "hello_world",
		Stages: []types.StageDefinition{
			{Number: 1, Name: "greet", TaskType: "echo", Parallelism: types.Single},
		},
		ValidateParameters: func(map[string]any) error { return nil },
		GenerateJobID:      types.GenerateJobID,
		CreateJobRecord: func(jobID string, params map[string]any) (*types.JobRecord, error) {
			return &types.JobRecord{
				JobID: jobID, JobType: "hello_world", Status: types.JobQueued,
				Stage: 1, TotalStages: 1,
				Parameters: toJSON(params), StageResults: toJSON(nil), Metadata: toJSON(nil),
			}, nil
		},
		EnqueueJob: func(*types.JobRecord) error { return nil },
		CreateTasksForStage: func(stage types.StageDefinition, jobParams map[string]any, jobID string, previous []types.PreviousResult) ([]types.TaskSpec, error) {
			return []types.TaskSpec{{
				TaskID:     types.BuildTaskID(jobID, stage.Number, "only"),
				TaskType:   stage.TaskType,
				Parameters: jobParams,
			}}, nil
		},
	}
}

func submitJob(t *testing.T, m *Machine, store *fakeStore, bp *types.JobBlueprint, params map[string]any) string {
	t.Helper()
	jobID, err := bp.GenerateJobID(params)
	if err != nil {
		t.Fatalf("GenerateJobID: %v", err)
	}
	job, err := bp.CreateJobRecord(jobID, params)
	if err != nil {
		t.Fatalf("CreateJobRecord: %v", err)
	}
	if _, err := store.Create(dbctx.Context{Ctx: context.Background()}, job); err != nil {
		t.Fatalf("Create job: %v", err)
	}
	return jobID
}

func jobMsgBody(t *testing.T, jobID, jobType string, stage int) []byte {
	t.Helper()
	b, err := json.Marshal(types.JobQueueMessage{
		JobID: jobID, JobType: jobType, Stage: stage,
		MessageID: types.NewMessageID(), CorrelationID: types.NewMessageID(),
	})
	if err != nil {
		t.Fatalf("marshal job message: %v", err)
	}
	return b
}

func TestHelloWorldSingleStageCompletes(t *testing.T) {
	m, store, fb := buildMachine(t)
	bp, _ := m.jobReg.Get("hello_world")
	jobID := submitJob(t, m, store, bp, map[string]any{"name": "tileset"})

	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "hello_world", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	taskMsgs := fb.messages("tasks")
	if len(taskMsgs) != 1 {
		t.Fatalf("expected 1 enqueued task message, got %d", len(taskMsgs))
	}

	if err := m.ProcessTask(ctx, taskMsgs[0]); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	job, err := store.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != types.JobCompleted {
		t.Fatalf("expected job COMPLETED, got %s", job.Status)
	}
	if len(job.ResultData) == 0 || string(job.ResultData) == "null" {
		t.Fatalf("property P7 violated: COMPLETED job has empty result_data")
	}
}

// TestRedeliveryAfterCompletionIsNoop covers property P6: a task message
// redelivered after the task (and job) already reached a terminal state
// must be a safe no-op, not a second state transition.
func TestRedeliveryAfterCompletionIsNoop(t *testing.T) {
	m, store, fb := buildMachine(t)
	bp, _ := m.jobReg.Get("hello_world")
	jobID := submitJob(t, m, store, bp, map[string]any{"name": "redelivery"})

	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "hello_world", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	taskMsgs := fb.messages("tasks")
	if err := m.ProcessTask(ctx, taskMsgs[0]); err != nil {
		t.Fatalf("first ProcessTask: %v", err)
	}

	// Redeliver the exact same message.
	if err := m.ProcessTask(ctx, taskMsgs[0]); err != nil {
		t.Fatalf("redelivered ProcessTask should be a no-op, got error: %v", err)
	}

	job, _ := store.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if job.Status != types.JobCompleted {
		t.Fatalf("expected job to remain COMPLETED after redelivery, got %s", job.Status)
	}
}

// TestUnknownJobGoesToDeadLetter covers §4.5.1 step 1.
func TestUnknownJobGoesToDeadLetter(t *testing.T) {
	m, _, fb := buildMachine(t)
	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, "does-not-exist", "hello_world", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if got := fb.count("jobs-dlq"); got != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", got)
	}
}

// twoStageBlueprint models §8.3's fan-out/fan-in diamond: stage 1 fans out
// to n parallel tile tasks, stage 2 is an orchestrator-authored fan_in that
// aggregates every stage-1 result.
func twoStageBlueprint(n int) *types.JobBlueprint {
	return &types.JobBlueprint{
		JobType: "tile_job",
		Stages: []types.StageDefinition{
			{Number: 1, Name: "tile", TaskType: "echo", Parallelism: types.FanOut, Count: n},
			{Number: 2, Name: "merge", TaskType: "echo", Parallelism: types.FanIn},
		},
		ValidateParameters: func(map[string]any) error { return nil },
		GenerateJobID:      types.GenerateJobID,
		CreateJobRecord: func(jobID string, params map[string]any) (*types.JobRecord, error) {
			return &types.JobRecord{
				JobID: jobID, JobType: "tile_job", Status: types.JobQueued,
				Stage: 1, TotalStages: 2,
				Parameters: toJSON(params), StageResults: toJSON(nil), Metadata: toJSON(nil),
			}, nil
		},
		EnqueueJob: func(*types.JobRecord) error { return nil },
		CreateTasksForStage: func(stage types.StageDefinition, jobParams map[string]any, jobID string, previous []types.PreviousResult) ([]types.TaskSpec, error) {
			specs := make([]types.TaskSpec, 0, stage.Count)
			for i := 0; i < stage.Count; i++ {
				idx := fmt.Sprintf("tile-%d", i)
				specs = append(specs, types.TaskSpec{
					TaskID:     types.BuildTaskID(jobID, stage.Number, idx),
					TaskType:   stage.TaskType,
					Parameters: map[string]any{"tile": i},
				})
			}
			return specs, nil
		},
	}
}

func TestFanOutFanInDiamondCompletes(t *testing.T) {
	store := newFakeStore()
	fb := newFakeBus()
	handlers := registry.NewHandlerRegistry()
	_ = handlers.Register(&fakeHandler{taskType: "echo", fn: func(params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
		return types.TaskResult{Success: true, ResultData: params}, nil
	}})
	jobs := registry.NewJobRegistry(handlers)
	bp := twoStageBlueprint(3)
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}
	m := NewMachine(jobRepoAdapter{store}, taskRepoAdapter{store}, nil, jobs, handlers, fb, testConfig(), testLogger(t))

	jobID := submitJob(t, m, store, bp, map[string]any{"raster": "a.tif"})
	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "tile_job", 1)); err != nil {
		t.Fatalf("ProcessJob stage1: %v", err)
	}

	stage1Msgs := fb.messages("tasks")
	if len(stage1Msgs) != 3 {
		t.Fatalf("expected 3 fan-out tasks, got %d", len(stage1Msgs))
	}
	for _, raw := range stage1Msgs {
		if err := m.ProcessTask(ctx, raw); err != nil {
			t.Fatalf("ProcessTask stage1: %v", err)
		}
	}

	// Stage completion of stage 1 must have enqueued exactly one stage-2 JobQueueMessage.
	jobMsgs := fb.messages("jobs")
	if len(jobMsgs) != 1 {
		t.Fatalf("expected exactly 1 stage-2 job message (unique advancer, P2), got %d", len(jobMsgs))
	}

	if err := m.ProcessJob(ctx, jobMsgs[0]); err != nil {
		t.Fatalf("ProcessJob stage2: %v", err)
	}
	stage2Msgs := fb.messages("tasks")[3:]
	if len(stage2Msgs) != 1 {
		t.Fatalf("expected exactly 1 fan_in task, got %d", len(stage2Msgs))
	}
	if err := m.ProcessTask(ctx, stage2Msgs[0]); err != nil {
		t.Fatalf("ProcessTask stage2: %v", err)
	}

	job, _ := store.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if job.Status != types.JobCompleted {
		t.Fatalf("expected job COMPLETED, got %s", job.Status)
	}
}

// TestConcurrentStageCompletionHasUniqueAdvancer stress-tests property P2:
// however many sibling tasks complete concurrently, exactly one of them
// observes "last of its stage" and advances the job.
func TestConcurrentStageCompletionHasUniqueAdvancer(t *testing.T) {
	const n = 25
	store := newFakeStore()
	fb := newFakeBus()
	handlers := registry.NewHandlerRegistry()
	_ = handlers.Register(&fakeHandler{taskType: "echo", fn: func(params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
		return types.TaskResult{Success: true, ResultData: params}, nil
	}})
	jobs := registry.NewJobRegistry(handlers)
	bp := twoStageBlueprint(n)
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}
	m := NewMachine(jobRepoAdapter{store}, taskRepoAdapter{store}, nil, jobs, handlers, fb, testConfig(), testLogger(t))

	jobID := submitJob(t, m, store, bp, map[string]any{"raster": "big.tif"})
	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "tile_job", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	stage1Msgs := fb.messages("tasks")
	var wg sync.WaitGroup
	for _, raw := range stage1Msgs {
		wg.Add(1)
		go func(body []byte) {
			defer wg.Done()
			if err := m.ProcessTask(ctx, body); err != nil {
				t.Errorf("ProcessTask: %v", err)
			}
		}(raw)
	}
	wg.Wait()

	if got := len(fb.messages("jobs")); got != 1 {
		t.Fatalf("property P2 violated: expected exactly 1 stage-advance job message, got %d", got)
	}
}

// TestPartialFailureFailsJob covers §4.5.3 step 1 and property P7.
func TestPartialFailureFailsJob(t *testing.T) {
	store := newFakeStore()
	fb := newFakeBus()
	handlers := registry.NewHandlerRegistry()
	_ = handlers.Register(&fakeHandler{taskType: "echo", fn: func(params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
		if params["tile"] == float64(1) {
			return types.TaskResult{Success: false, ErrorDetails: "boom"}, nil
		}
		return types.TaskResult{Success: true, ResultData: params}, nil
	}})
	jobs := registry.NewJobRegistry(handlers)
	bp := twoStageBlueprint(3)
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}
	m := NewMachine(jobRepoAdapter{store}, taskRepoAdapter{store}, nil, jobs, handlers, fb, testConfig(), testLogger(t))

	jobID := submitJob(t, m, store, bp, map[string]any{"raster": "c.tif"})
	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "tile_job", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	for _, raw := range fb.messages("tasks") {
		if err := m.ProcessTask(ctx, raw); err != nil {
			t.Fatalf("ProcessTask: %v", err)
		}
	}

	job, _ := store.GetByID(dbctx.Context{Ctx: ctx}, jobID)
	if job.Status != types.JobFailed {
		t.Fatalf("expected job FAILED, got %s", job.Status)
	}
	if job.ErrorDetails == "" {
		t.Fatalf("property P7 violated: FAILED job has empty error_details")
	}
	if got := len(fb.messages("jobs")); got != 0 {
		t.Fatalf("a failed stage must never enqueue a stage-advance message, got %d", got)
	}
}

// TestTaskContextCarriesConfiguredRetryPolicy covers §7's handler-local
// retry capability: a handler reaches the boot-time RETRY_MAX/
// RETRY_BASE_DELAY_MS/RETRY_MAX_DELAY_MS config through TaskContext rather
// than those keys being loaded and never read.
func TestTaskContextCarriesConfiguredRetryPolicy(t *testing.T) {
	store := newFakeStore()
	fb := newFakeBus()
	handlers := registry.NewHandlerRegistry()

	var seen retry.Policy
	_ = handlers.Register(&fakeHandler{taskType: "echo", fn: func(params map[string]any, tc types.TaskContext) (types.TaskResult, error) {
		seen = tc.RetryPolicy
		return types.TaskResult{Success: true, ResultData: params}, nil
	}})
	jobs := registry.NewJobRegistry(handlers)
	bp := helloWorldBlueprint()
	if err := jobs.Register(bp); err != nil {
		t.Fatalf("register blueprint: %v", err)
	}

	cfg := testConfig()
	m := NewMachine(jobRepoAdapter{store}, taskRepoAdapter{store}, nil, jobs, handlers, fb, cfg, testLogger(t))

	jobID := submitJob(t, m, store, bp, map[string]any{"name": "tileset"})
	ctx := context.Background()
	if err := m.ProcessJob(ctx, jobMsgBody(t, jobID, "hello_world", 1)); err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	for _, raw := range fb.messages("tasks") {
		if err := m.ProcessTask(ctx, raw); err != nil {
			t.Fatalf("ProcessTask: %v", err)
		}
	}

	if seen.MaxAttempts != cfg.RetryMax {
		t.Fatalf("expected RetryPolicy.MaxAttempts=%d, got %d", cfg.RetryMax, seen.MaxAttempts)
	}
	if seen.MinBackoff != cfg.RetryBaseDelay {
		t.Fatalf("expected RetryPolicy.MinBackoff=%s, got %s", cfg.RetryBaseDelay, seen.MinBackoff)
	}
	if seen.MaxBackoff != cfg.RetryMaxDelay {
		t.Fatalf("expected RetryPolicy.MaxBackoff=%s, got %s", cfg.RetryMaxDelay, seen.MaxBackoff)
	}
	if !retry.ShouldRetry(seen, 0, fmt.Errorf("transient")) {
		t.Fatalf("expected a fresh attempt count to be retryable under the configured policy")
	}
}
