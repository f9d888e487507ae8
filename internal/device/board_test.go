package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"homeautomation-gateway/internal/config"
)

// fakeBoard answers the line protocol the way the board service does.
type fakeBoard struct {
	mu sync.Mutex

	serial   int
	password string
	attached bool
	silent   map[string]bool // requests of this kind get no reply
	closeOn  string          // close the connection on this kind of request

	sensors map[int]int
	raw     map[int]int
	outputs map[int]bool

	requests []request
}

func newFakeBoard() *fakeBoard {
	return &fakeBoard{
		serial:   250000,
		password: "PASSWORD",
		attached: true,
		silent:   map[string]bool{},
		sensors:  map[int]int{0: 400, 1: 300},
		raw:      map[int]int{2: 1000, 3: 13},
		outputs:  map[int]bool{},
	}
}

func kind(req request) string {
	switch {
	case req.Auth != nil:
		return "auth"
	case req.Get != "":
		return "get " + req.Get
	}
	return "set " + req.Set
}

func (f *fakeBoard) serve(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			conn.Write([]byte(`{"error":"bad request"}` + "\n"))
			continue
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		k := kind(req)
		if k == f.closeOn {
			f.mu.Unlock()
			return
		}
		if f.silent[k] {
			f.mu.Unlock()
			continue
		}
		rep := f.handle(req)
		f.mu.Unlock()

		line, _ := json.Marshal(rep)
		if _, err := conn.Write(append(line, '\n')); err != nil {
			return
		}
	}
}

// handle is called with mu held.
func (f *fakeBoard) handle(req request) reply {
	idx := -1
	if req.Index != nil {
		idx = *req.Index
	}
	switch kind(req) {
	case "auth":
		if req.Auth.Password != f.password || req.Auth.Serial != f.serial {
			return reply{Error: "authentication failed"}
		}
		return reply{OK: true}
	case "get status":
		attached := f.attached
		return reply{Attached: &attached, Serial: f.serial}
	case "get sensor":
		v, ok := f.sensors[idx]
		if !ok {
			return reply{Error: "no such input"}
		}
		return reply{Value: intp(v)}
	case "get raw":
		v, ok := f.raw[idx]
		if !ok {
			return reply{Error: "no such input"}
		}
		return reply{Value: intp(v)}
	case "get output":
		return reply{Value: intp(boolInt(f.outputs[idx]))}
	case "set output":
		f.outputs[idx] = req.Value != nil && *req.Value != 0
		return reply{OK: true}
	case "set ratiometric", "set trigger", "set rate":
		return reply{OK: true}
	}
	return reply{Error: "unknown request"}
}

func (f *fakeBoard) count(k string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if kind(r) == k {
			n++
		}
	}
	return n
}

func pipeDialer(f *fakeBoard) Dialer {
	return func() (Port, error) {
		client, server := net.Pipe()
		go f.serve(server)
		return netPort{Conn: client}, nil
	}
}

func testConfig() config.DeviceConfig {
	cfg := config.Default().Device
	cfg.CommandTimeoutMS = 200
	cfg.ReconnectIntervalSeconds = 3600
	return cfg
}

func startBoard(t *testing.T, cfg config.DeviceConfig, dial Dialer) *Board {
	t.Helper()
	b := newBoard(cfg, dial, false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	b.Start(ctx)
	return b
}

func TestAttachAndChannelAccess(t *testing.T) {
	fake := newFakeBoard()
	b := startBoard(t, testConfig(), pipeDialer(fake))
	ctx := context.Background()

	if ok, err := b.Attached(ctx); !ok || err != nil {
		t.Fatalf("Attached = %v, %v", ok, err)
	}
	if b.Serial() != 250000 {
		t.Fatalf("serial %d", b.Serial())
	}

	for i, tcase := range []struct {
		read  func(context.Context, int) (int, error)
		index int
		want  int
	}{
		{b.SensorValue, 0, 400},
		{b.SensorValue, 1, 300},
		{b.SensorRawValue, 2, 1000},
		{b.SensorRawValue, 3, 13},
	} {
		got, err := tcase.read(ctx, tcase.index)
		if err != nil || got != tcase.want {
			t.Fatalf("test case %d: got %d, %v; want %d", i, got, err, tcase.want)
		}
	}

	if err := b.SetOutputState(ctx, 0, true); err != nil {
		t.Fatalf("SetOutputState: %v", err)
	}
	on, err := b.OutputState(ctx, 0)
	if err != nil || !on {
		t.Fatalf("OutputState = %v, %v after set", on, err)
	}
}

func TestAttachAppliesSettings(t *testing.T) {
	fake := newFakeBoard()
	startBoard(t, testConfig(), pipeDialer(fake))

	if fake.count("auth") != 1 {
		t.Fatalf("auth sent %d times", fake.count("auth"))
	}
	if fake.count("set ratiometric") != 1 {
		t.Fatalf("ratiometric not applied")
	}
	if n := fake.count("set trigger"); n != 2 {
		t.Fatalf("%d change triggers applied, want 2", n)
	}
	if n := fake.count("set rate"); n != 7 {
		t.Fatalf("%d data rates applied, want 7", n)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for _, r := range fake.requests {
		if r.Index != nil && *r.Index == 4 {
			t.Fatalf("input 4 touched: %s", r)
		}
	}
}

func TestAttachFailures(t *testing.T) {
	for i, tcase := range []struct {
		mutate func(*fakeBoard, *config.DeviceConfig)
	}{
		{func(f *fakeBoard, c *config.DeviceConfig) { c.Password = "wrong" }},
		{func(f *fakeBoard, c *config.DeviceConfig) { f.attached = false }},
		{func(f *fakeBoard, c *config.DeviceConfig) { f.serial = 1234; c.Password = "" }},
		{func(f *fakeBoard, c *config.DeviceConfig) { f.silent["get status"] = true }},
	} {
		fake := newFakeBoard()
		cfg := testConfig()
		tcase.mutate(fake, &cfg)

		b := newBoard(cfg, pipeDialer(fake), false)
		ctx, cancel := context.WithCancel(context.Background())
		if err := b.Start(ctx); err == nil {
			t.Fatalf("test case %d: Start succeeded", i)
		}
		if ok, _ := b.Attached(ctx); ok {
			t.Fatalf("test case %d: attached after failed start", i)
		}
		if _, err := b.SensorValue(ctx, 0); !errors.Is(err, ErrNotAttached) {
			t.Fatalf("test case %d: read error %v, want ErrNotAttached", i, err)
		}
		cancel()
		b.Close()
	}
}

func TestDialFailure(t *testing.T) {
	b := startBoard(t, testConfig(), func() (Port, error) {
		return nil, errors.New("connection refused")
	})
	if ok, _ := b.Attached(context.Background()); ok {
		t.Fatalf("attached without a connection")
	}
}

func TestRemoteErrorKeepsLink(t *testing.T) {
	fake := newFakeBoard()
	b := startBoard(t, testConfig(), pipeDialer(fake))
	ctx := context.Background()

	_, err := b.SensorValue(ctx, 9)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("error %v, want RemoteError", err)
	}
	if ok, _ := b.Attached(ctx); !ok {
		t.Fatalf("board-reported error detached the link")
	}
	if v, err := b.SensorValue(ctx, 1); err != nil || v != 300 {
		t.Fatalf("follow-up read = %d, %v", v, err)
	}
}

func TestTimeoutDetaches(t *testing.T) {
	fake := newFakeBoard()
	fake.silent["get raw"] = true
	b := startBoard(t, testConfig(), pipeDialer(fake))
	ctx := context.Background()

	_, err := b.SensorRawValue(ctx, 2)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if ok, _ := b.Attached(ctx); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("link still attached after a timed out read")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectionLossDetaches(t *testing.T) {
	fake := newFakeBoard()
	fake.closeOn = "get output"
	b := startBoard(t, testConfig(), pipeDialer(fake))
	ctx := context.Background()

	if _, err := b.OutputState(ctx, 0); err == nil {
		t.Fatalf("read over a closed connection succeeded")
	}
	if ok, _ := b.Attached(ctx); ok {
		t.Fatalf("still attached after connection loss")
	}
	if err := b.SetOutputState(ctx, 0, true); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("write error %v, want ErrNotAttached", err)
	}
}

func TestReconnect(t *testing.T) {
	fake := newFakeBoard()
	var mu sync.Mutex
	dials := 0
	dial := func() (Port, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("service not up yet")
		}
		return pipeDialer(fake)()
	}

	b := newBoard(testConfig(), dial, false)
	b.reconnectInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		b.Close()
	}()
	if err := b.Start(ctx); err == nil {
		t.Fatalf("first attach should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ok, _ := b.Attached(ctx); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("board never re-attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if v, err := b.SensorValue(ctx, 0); err != nil || v != 400 {
		t.Fatalf("read after reconnect = %d, %v", v, err)
	}
}

func TestConcurrentCallsAreSerialised(t *testing.T) {
	fake := newFakeBoard()
	b := startBoard(t, testConfig(), pipeDialer(fake))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if v, err := b.SensorValue(ctx, 1); err != nil || v != 300 {
				errs <- errors.New("bad sensor read")
			}
		}()
		go func(on bool) {
			defer wg.Done()
			if err := b.SetOutputState(ctx, 0, on); err != nil {
				errs <- err
			}
		}(i%2 == 0)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestClosedBoardReportsClosed(t *testing.T) {
	fake := newFakeBoard()
	b := newBoard(testConfig(), pipeDialer(fake), false)
	b.Start(context.Background())
	b.Close()

	if ok, err := b.Attached(context.Background()); ok || !errors.Is(err, ErrClosed) {
		t.Fatalf("Attached after Close = %v, %v", ok, err)
	}
}

func TestSetupRequests(t *testing.T) {
	off := false
	cfg := config.DeviceConfig{
		Ratiometric: &off,
		Inputs: []config.InputConfig{
			{Index: 1, ChangeTrigger: 1, DataRateMS: 256},
			{Index: 2},
		},
	}
	reqs := setupRequests(cfg)
	want := []string{
		`{"set":"ratiometric","v":0}`,
		`{"set":"trigger","i":1,"v":1}`,
		`{"set":"rate","i":1,"v":256}`,
	}
	if len(reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(want))
	}
	for i := range want {
		if reqs[i].String() != want[i] {
			t.Fatalf("request %d = %s, want %s", i, reqs[i], want[i])
		}
	}
}
