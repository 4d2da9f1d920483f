package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/api"
	"github.com/rendis/procman/internal/catalog"
	"github.com/rendis/procman/internal/engine"
	"github.com/rendis/procman/internal/executor"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/scheduler"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/internal/streaming"
	"github.com/rendis/procman/internal/validation"
	"github.com/rendis/procman/pkg/schema"
)

const (
	actorHeader = "actor:5790001330583/EnergySupplier"
	userHeader  = "user:2f0f5d8e-9a8f-4c3e-9d47-1f6c1f8b3a10@5790001330583/EnergySupplier"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const catalogYAML = `
host: calculations
descriptions:
  - name: brs_023_027
    version: 1
    function_name: StartCalculation
    can_be_scheduled: true
    is_durable_function: true
    parameter_schema:
      type: object
      required: [grid_area]
      properties:
        grid_area: {type: string}
    steps:
      - description: Calculate
      - description: Enqueue messages
        can_be_skipped: true
  - name: brs_021_forward_metered_data
    version: 1
    function_name: ForwardMeteredData
    steps:
      - description: Forward
`

// --- Test harness ---

// fakeEngine plays the durable-execution engine: it accepts webhook commands
// and reports progress back through the HTTP API.
type fakeEngine struct {
	t      *testing.T
	apiURL string

	mu       sync.Mutex
	commands []executor.Command
	failStep int // step sequence to fail, 0 for none
	wg       sync.WaitGroup
}

func (e *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cmd executor.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	if cmd.Command == executor.CommandStart {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.run(cmd.OrchestrationInstanceID)
		}()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *fakeEngine) run(id uuid.UUID) {
	base := fmt.Sprintf("%s/api/instances/%s", e.apiURL, id)
	if !e.call(http.MethodPost, base+"/running", nil) {
		return
	}

	var inst struct {
		Steps []struct {
			Sequence  int `json:"sequence"`
			Lifecycle struct {
				State string `json:"state"`
			} `json:"lifecycle"`
		} `json:"steps"`
	}
	resp, err := http.Get(base)
	if err != nil {
		e.t.Errorf("engine: get instance: %v", err)
		return
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		e.t.Errorf("engine: decode instance: %v", err)
		return
	}

	e.mu.Lock()
	failStep := e.failStep
	e.mu.Unlock()

	outcome := "succeeded"
	for _, step := range inst.Steps {
		if step.Lifecycle.State != string(schema.StepStatePending) {
			continue
		}
		stepURL := fmt.Sprintf("%s/steps/%d", base, step.Sequence)
		e.call(http.MethodPost, stepURL+"/running", nil)
		e.call(http.MethodPut, stepURL+"/custom-state", map[string]any{"attempt": 1})
		ts := "succeeded"
		if step.Sequence == failStep {
			ts, outcome = "failed", "failed"
		}
		e.call(http.MethodPost, stepURL+"/terminate", map[string]any{"termination_state": ts})
		if ts == "failed" {
			break
		}
	}
	e.call(http.MethodPost, base+"/terminate", map[string]any{"termination_state": outcome})
}

func (e *fakeEngine) call(method, url string, body any) bool {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Errorf("engine: %s %s: %v", method, url, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		e.t.Errorf("engine: %s %s: status %d", method, url, resp.StatusCode)
		return false
	}
	return true
}

func (e *fakeEngine) commandsOf(kind string) []executor.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []executor.Command
	for _, c := range e.commands {
		if c.Command == kind {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	store  store.Store
	clock  *orchestration.ManualClock
	coord  *engine.Coordinator
	engine *fakeEngine
	api    *httptest.Server
}

func newHarness(t *testing.T, driver string) *harness {
	t.Helper()

	st, err := store.Open(driver, "file:"+filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	fake := &fakeEngine{t: t}
	engineSrv := httptest.NewServer(fake)

	exec, err := executor.NewWebhook(executor.WebhookConfig{URL: engineSrv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	clock := orchestration.NewManualClock(testNow)
	hub := streaming.NewMemoryHub()
	coord, err := engine.NewCoordinator(engine.CoordinatorDeps{
		Store:     st,
		Executor:  exec,
		Clock:     clock,
		Validator: validator,
		Hub:       hub,
	})
	require.NoError(t, err)

	apiSrv := httptest.NewServer(api.NewServer(api.Deps{Coordinator: coord, Store: st, Hub: hub}).Handler())
	fake.apiURL = apiSrv.URL

	// Engine goroutines call the API, so they finish before either server closes.
	t.Cleanup(func() {
		fake.wg.Wait()
		apiSrv.Close()
		engineSrv.Close()
		_ = st.Close()
	})

	cat, err := catalog.NewLoader(validator).Parse([]byte(catalogYAML))
	require.NoError(t, err)
	_, err = coord.SynchronizeHost(context.Background(), cat.Host, cat.Descriptions)
	require.NoError(t, err)

	return &harness{t: t, store: st, clock: clock, coord: coord, engine: fake, api: apiSrv}
}

func (h *harness) post(path, who string, body any) (int, map[string]any) {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	req, err := http.NewRequest(http.MethodPost, h.api.URL+path, bytes.NewReader(raw))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set(api.IdentityHeader, who)
	}
	return h.do(req)
}

func (h *harness) get(path string) (int, map[string]any) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.api.URL+path, nil)
	require.NoError(h.t, err)
	return h.do(req)
}

func (h *harness) do(req *http.Request) (int, map[string]any) {
	h.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// waitTerminated polls until the instance terminates and returns its termination state.
func (h *harness) waitTerminated(id uuid.UUID) schema.InstanceTerminationState {
	h.t.Helper()
	var ts schema.InstanceTerminationState
	require.Eventually(h.t, func() bool {
		inst, err := h.coord.GetOrchestrationInstanceByID(context.Background(), id)
		if err != nil || inst.Lifecycle().State != schema.InstanceStateTerminated {
			return false
		}
		ts = inst.Lifecycle().TerminationState
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return ts
}

func eachDriver(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, driver := range []string{store.DriverSQLite, store.DriverLibSQL} {
		t.Run(driver, func(t *testing.T) {
			fn(t, newHarness(t, driver))
		})
	}
}

// --- Tests ---

func TestStartRunsToCompletion(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		status, body := h.post("/api/instances", actorHeader, map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := uuid.MustParse(body["id"].(string))

		assert.Equal(t, schema.InstanceTerminationSucceeded, h.waitTerminated(id))

		starts := h.engine.commandsOf(executor.CommandStart)
		require.Len(t, starts, 1)
		assert.Equal(t, id, starts[0].OrchestrationInstanceID)
		assert.Equal(t, "StartCalculation", starts[0].FunctionName)
		assert.JSONEq(t, `{"grid_area":"804"}`, string(starts[0].Parameter))

		events, err := h.coord.GetInstanceEvents(context.Background(), id, 0)
		require.NoError(t, err)
		var types []string
		for i, ev := range events {
			assert.EqualValues(t, i+1, ev.Sequence)
			types = append(types, ev.Type)
		}
		assert.Equal(t, []string{
			schema.EventInstanceCreated,
			schema.EventInstanceQueued,
			schema.EventInstanceRunning,
			schema.EventStepRunning,
			schema.EventCustomStateChanged,
			schema.EventStepSucceeded,
			schema.EventStepRunning,
			schema.EventCustomStateChanged,
			schema.EventStepSucceeded,
			schema.EventInstanceSucceeded,
		}, types)
	})
}

func TestSkippedStepIsNotRun(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		status, body := h.post("/api/instances", actorHeader, map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
			"skip_steps_by_sequence": []int{2},
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := uuid.MustParse(body["id"].(string))
		require.Equal(t, schema.InstanceTerminationSucceeded, h.waitTerminated(id))

		inst, err := h.coord.GetOrchestrationInstanceByID(context.Background(), id)
		require.NoError(t, err)
		steps := inst.Steps()
		assert.Equal(t, schema.StepTerminationSucceeded, steps[0].Lifecycle.TerminationState)
		assert.Equal(t, schema.StepTerminationSkipped, steps[1].Lifecycle.TerminationState)
		assert.Nil(t, steps[1].Lifecycle.StartedAt)
	})
}

func TestFailedStepFailsInstance(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		h.engine.mu.Lock()
		h.engine.failStep = 1
		h.engine.mu.Unlock()

		status, body := h.post("/api/instances", actorHeader, map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := uuid.MustParse(body["id"].(string))
		assert.Equal(t, schema.InstanceTerminationFailed, h.waitTerminated(id))

		inst, err := h.coord.GetOrchestrationInstanceByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, schema.StepStatePending, inst.Steps()[1].Lifecycle.State)
	})
}

func TestMessageIdempotencyAcrossRequests(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		msg := map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
			"idempotency_key": "msg-42", "actor_message_id": "am-42", "transaction_id": "tx-42",
		}
		var ids []string
		for range 3 {
			status, body := h.post("/api/instances/message", actorHeader, msg)
			require.Equal(t, http.StatusOK, status, body)
			ids = append(ids, body["id"].(string))
		}
		assert.Equal(t, ids[0], ids[1])
		assert.Equal(t, ids[0], ids[2])

		h.waitTerminated(uuid.MustParse(ids[0]))
		assert.Len(t, h.engine.commandsOf(executor.CommandStart), 1)

		status, body := h.get("/api/instances/idempotency/msg-42")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "tx-42", body["transaction_id"])
	})
}

func TestNonDurableDescriptionIsNotSentToEngine(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		status, body := h.post("/api/instances", actorHeader, map[string]any{
			"name": "brs_021_forward_metered_data", "version": 1,
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := body["id"].(string)

		status, _ = h.post("/api/instances/"+id+"/notify", "", map[string]any{"event_name": "Ping"})
		assert.Equal(t, http.StatusOK, status)
		assert.Empty(t, h.engine.commandsOf(executor.CommandStart))
		assert.Empty(t, h.engine.commandsOf(executor.CommandNotify))

		status, body = h.get("/api/instances/" + id)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "queued", body["lifecycle"].(map[string]any)["state"])
	})
}

func TestScheduledInstanceStartsWhenDue(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		runAt := testNow.Add(time.Hour)
		status, body := h.post("/api/instances/schedule", actorHeader, map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
			"run_at": runAt,
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := uuid.MustParse(body["id"].(string))

		sched, err := scheduler.New(h.coord, scheduler.Config{}, h.clock, nil)
		require.NoError(t, err)

		res := sched.Tick(context.Background())
		assert.Zero(t, res.Started, "not due yet")

		h.clock.Advance(2 * time.Hour)
		res = sched.Tick(context.Background())
		assert.Equal(t, 1, res.Started)
		assert.Equal(t, schema.InstanceTerminationSucceeded, h.waitTerminated(id))

		res = sched.Tick(context.Background())
		assert.Zero(t, res.Started, "terminated instances are never due")
	})
}

func TestCancelScheduledInstance(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		status, body := h.post("/api/instances/schedule", actorHeader, map[string]any{
			"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": "804"},
			"run_at": testNow.Add(time.Hour),
		})
		require.Equal(t, http.StatusCreated, status, body)
		id := body["id"].(string)

		status, body = h.post("/api/instances/"+id+"/cancel", userHeader, nil)
		require.Equal(t, http.StatusOK, status, body)

		h.clock.Advance(2 * time.Hour)
		due, err := h.coord.GetDueScheduledInstances(context.Background(), h.clock.Now())
		require.NoError(t, err)
		assert.Empty(t, due)

		status, body = h.get("/api/instances/" + id)
		require.Equal(t, http.StatusOK, status)
		lifecycle := body["lifecycle"].(map[string]any)
		assert.Equal(t, "user_canceled", lifecycle["termination_state"])
		assert.NotNil(t, lifecycle["canceled_by"])
	})
}

func TestCustomQueryOverHTTP(t *testing.T) {
	eachDriver(t, func(t *testing.T, h *harness) {
		for _, area := range []string{"804", "543", "804"} {
			status, body := h.post("/api/instances", actorHeader, map[string]any{
				"name": "brs_023_027", "version": 1, "parameter": map[string]any{"grid_area": area},
			})
			require.Equal(t, http.StatusCreated, status, body)
			h.waitTerminated(uuid.MustParse(body["id"].(string)))
		}

		for _, lang := range []string{"cel", "expr", "jq"} {
			predicate := map[string]string{
				"cel":  `parameter.grid_area == "804"`,
				"expr": `parameter.grid_area == "804"`,
				"jq":   `.parameter.grid_area == "804"`,
			}[lang]
			status, body := h.post("/api/instances/query", "", map[string]any{
				"name":       "brs_023_027",
				"language":   lang,
				"predicate":  predicate,
				"projection": "{area: .parameter.grid_area}",
			})
			require.Equal(t, http.StatusOK, status, body)
			assert.Len(t, body["matches"], 2, lang)
		}
	})
}
