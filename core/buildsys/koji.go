package buildsys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cordum/masher/core/infra/logging"
	"github.com/cordum/masher/core/infra/tlsutil"
	"github.com/kolo/xmlrpc"
)

// KojiOptions configures the hub connection.
type KojiOptions struct {
	HubURL       string
	TLS          tlsutil.Files
	PollInterval time.Duration
	WaitTimeout  time.Duration
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// KojiClient implements Client against a Koji hub over XML-RPC.
type KojiClient struct {
	rpc     *xmlrpc.Client
	session *sessionTransport
	poll    time.Duration
	timeout time.Duration
}

// NewKojiClient connects to the hub. When a client certificate is configured
// the client logs in with sslLogin and signs every later call with the
// session credentials.
func NewKojiClient(opts KojiOptions) (*KojiClient, error) {
	if opts.HubURL == "" {
		return nil, errors.New("koji hub url required")
	}
	if _, err := url.Parse(opts.HubURL); err != nil {
		return nil, fmt.Errorf("koji hub url: %w", err)
	}
	base := opts.Transport
	if base == nil {
		tlsConfig, err := tlsutil.Build("koji", nil, opts.TLS)
		if err != nil {
			return nil, err
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if tlsConfig != nil {
			tr.TLSClientConfig = tlsConfig
		}
		base = tr
	}
	session := &sessionTransport{base: base}
	rpc, err := xmlrpc.NewClient(opts.HubURL, session)
	if err != nil {
		return nil, fmt.Errorf("koji client: %w", err)
	}
	c := &KojiClient{rpc: rpc, session: session, poll: opts.PollInterval, timeout: opts.WaitTimeout}
	if opts.TLS.Cert != "" {
		if err := c.login(); err != nil {
			_ = rpc.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *KojiClient) Close() error {
	return c.rpc.Close()
}

func (c *KojiClient) login() error {
	var reply map[string]interface{}
	if err := c.rpc.Call("sslLogin", nil, &reply); err != nil {
		return fmt.Errorf("koji ssl login: %w", err)
	}
	id, ok := reply["session-id"].(int64)
	key, keyOK := reply["session-key"].(string)
	if !ok || !keyOK || key == "" {
		return fmt.Errorf("koji ssl login: unexpected reply %v", reply)
	}
	c.session.set(id, key)
	logging.Info("buildsys", "koji session established", "session_id", id)
	return nil
}

func (c *KojiClient) call(ctx context.Context, method string, params []interface{}, reply interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.rpc.Call(method, params, reply); err != nil {
		return fmt.Errorf("koji %s: %w", method, err)
	}
	return nil
}

func (c *KojiClient) ListTags(ctx context.Context, nvr string) ([]string, error) {
	var reply []map[string]interface{}
	if err := c.call(ctx, "listTags", []interface{}{nvr}, &reply); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(reply))
	for _, info := range reply {
		if name, ok := info["name"].(string); ok && name != "" {
			tags = append(tags, name)
		}
	}
	return tags, nil
}

// Submit sends the batch through system.multicall. Add and move calls start
// tasks; untag calls complete synchronously.
func (c *KojiClient) Submit(ctx context.Context, batch *Batch) (*Pending, error) {
	actions := batch.Actions()
	if len(actions) == 0 {
		return nil, ErrEmptyBatch
	}
	calls := make([]interface{}, 0, len(actions))
	for _, action := range actions {
		call, err := multicallEntry(action)
		if err != nil {
			return nil, err
		}
		logging.Info("buildsys", "queue tag action", "action", action.String())
		calls = append(calls, call)
	}
	var results []interface{}
	if err := c.call(ctx, "system.multicall", []interface{}{calls}, &results); err != nil {
		return nil, err
	}
	if len(results) != len(actions) {
		return nil, fmt.Errorf("koji multicall: expected %d results, got %d", len(actions), len(results))
	}

	var tasks []int64
	var faults []Fault
	for i, raw := range results {
		action := actions[i]
		switch v := raw.(type) {
		case []interface{}:
			if action.Kind == ActionRemove || len(v) == 0 {
				continue
			}
			id, ok := v[0].(int64)
			if !ok {
				return nil, fmt.Errorf("koji multicall: %s returned %v, want task id", action, v[0])
			}
			tasks = append(tasks, id)
		case map[string]interface{}:
			faults = append(faults, faultFrom(action, v))
		default:
			return nil, fmt.Errorf("koji multicall: unexpected result %T for %s", raw, action)
		}
	}
	pending := NewPending(tasks, c, c.poll, c.timeout)
	if len(faults) > 0 {
		return pending, &BatchError{Faults: faults}
	}
	return pending, nil
}

func (c *KojiClient) TaskFinished(ctx context.Context, id int64) (bool, error) {
	var done bool
	err := c.call(ctx, "taskFinished", []interface{}{id}, &done)
	return done, err
}

func (c *KojiClient) TaskState(ctx context.Context, id int64) (TaskState, error) {
	var info map[string]interface{}
	if err := c.call(ctx, "getTaskInfo", []interface{}{id}, &info); err != nil {
		return 0, err
	}
	state, ok := info["state"].(int64)
	if !ok {
		return 0, fmt.Errorf("koji getTaskInfo %d: missing state", id)
	}
	return TaskState(state), nil
}

func multicallEntry(action TagAction) (map[string]interface{}, error) {
	var method string
	var params []interface{}
	switch action.Kind {
	case ActionAdd:
		method, params = "tagBuild", []interface{}{action.To, action.Build, true}
	case ActionMove:
		method, params = "moveBuild", []interface{}{action.From, action.To, action.Build, true}
	case ActionRemove:
		method, params = "untagBuild", []interface{}{action.From, action.Build, map[string]interface{}{"__starstar": true, "force": true}}
	default:
		return nil, fmt.Errorf("unknown tag action %q", action.Kind)
	}
	return map[string]interface{}{"methodName": method, "params": params}, nil
}

func faultFrom(action TagAction, v map[string]interface{}) Fault {
	f := Fault{Action: action}
	if code, ok := v["faultCode"].(int64); ok {
		f.Code = int(code)
	}
	if msg, ok := v["faultString"].(string); ok {
		f.Msg = msg
	}
	return f
}

// sessionTransport appends the Koji session id, key and call number to every
// request once logged in.
type sessionTransport struct {
	base    http.RoundTripper
	mu      sync.Mutex
	id      int64
	key     string
	callnum int64
}

func (t *sessionTransport) set(id int64, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id, t.key, t.callnum = id, key, 0
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	key, id, callnum := t.key, t.id, t.callnum
	if key != "" {
		t.callnum++
	}
	t.mu.Unlock()
	if key == "" {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	q := out.URL.Query()
	q.Set("session-id", strconv.FormatInt(id, 10))
	q.Set("session-key", key)
	q.Set("callnum", strconv.FormatInt(callnum, 10))
	out.URL.RawQuery = q.Encode()
	return t.base.RoundTrip(out)
}

var _ TaskWatcher = (*KojiClient)(nil)
var _ Client = (*KojiClient)(nil)
var _ http.RoundTripper = (*sessionTransport)(nil)
