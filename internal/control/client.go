// Package control implements the host-side control-protocol client: a
// QMP-style JSON request/response/event channel over a Unix domain socket
// (§4.6). Commands are serialized through a single queue because the wire
// protocol gives no way to correlate a response with its request other than
// strict ordering — the same constraint kata-containers' qemu.QMP works
// around, and the same fix applies here.
package control

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Event is a single asynchronous event emitted by the hypervisor, e.g.
// SHUTDOWN or RESET, forwarded to the caller's event sink.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Greeting carries the version and capability information reported by the
// hypervisor in its opening QMP-style banner.
type Greeting struct {
	Major        int
	Minor        int
	Micro        int
	Capabilities []string
}

// Config configures a Client. EventCh, if non-nil, receives every
// out-of-band event the hypervisor reports; it is closed when the client
// disconnects.
type Config struct {
	EventCh chan<- Event
	Logger  *slog.Logger
}

type commandResult struct {
	response interface{}
	err      error
}

type eventFilter struct {
	name    string
	dataKey string
	dataVal string
}

type command struct {
	ctx            context.Context
	res            chan commandResult
	seq            uint64
	name           string
	args           map[string]interface{}
	filter         *eventFilter
	resultReceived bool
}

// Client manages one connection to a hypervisor's control socket, its
// command queue, and its event feed. All fields are private; use Dial to
// obtain one and the Execute* methods to drive it.
type Client struct {
	cmdCh          chan command
	conn           io.ReadWriteCloser
	cfg            Config
	connectedCh    chan *Greeting
	disconnectedCh chan struct{}
	greeting       *Greeting
	seq            uint64
}

// ErrDisconnected is returned by Execute* methods once the client's
// connection has been lost or Shutdown has been called.
var ErrDisconnected = errors.New("control: disconnected from hypervisor")

// Dial connects to the control socket at path, waits for the opening
// greeting, and starts the background goroutines that service the command
// queue and event stream. dialTimeout bounds only the connect; command
// deadlines are controlled by the context passed to each Execute call.
func Dial(ctx context.Context, path string, dialTimeout time.Duration, cfg Config) (*Client, *Greeting, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "unix", path)
	if err != nil {
		return nil, nil, fmt.Errorf("control: dial %s: %w", path, err)
	}

	connectedCh := make(chan *Greeting, 1)
	disconnectedCh := make(chan struct{})
	c := &Client{
		cmdCh:          make(chan command),
		conn:           conn,
		cfg:            cfg,
		connectedCh:    connectedCh,
		disconnectedCh: disconnectedCh,
	}
	go c.loop()

	select {
	case <-ctx.Done():
		c.Shutdown()
		<-disconnectedCh
		return nil, nil, ctx.Err()
	case <-disconnectedCh:
		return nil, nil, fmt.Errorf("control: lost connection to %s before greeting", path)
	case g := <-connectedCh:
		if g == nil {
			return nil, nil, fmt.Errorf("control: malformed greeting from %s", path)
		}
		c.greeting = g
		return c, g, nil
	}
}

// Shutdown closes the command channel, which unwinds the read/write
// goroutines and closes the connection. It does not stop the hypervisor
// process itself.
func (c *Client) Shutdown() {
	defer func() { recover() }()
	close(c.cmdCh)
}

// Done returns a channel that is closed once the client has disconnected,
// whether due to Shutdown or a transport error.
func (c *Client) Done() <-chan struct{} {
	return c.disconnectedCh
}

func (c *Client) readLoop(lines chan<- []byte) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines <- line
	}
	close(lines)
}

func (c *Client) loop() {
	cmdQueue := list.New()
	lines := make(chan []byte)
	go c.readLoop(lines)

	defer func() {
		if c.cfg.EventCh != nil {
			close(c.cfg.EventCh)
		}
		_ = c.conn.Close()
		for range lines {
		}
		failAll(cmdQueue)
		close(c.disconnectedCh)
	}()

	greeting, ok := <-lines
	if !ok {
		c.connectedCh <- nil
		return
	}
	c.connectedCh <- parseGreeting(greeting, c.cfg.Logger)

	var doneCh <-chan struct{}
	for {
		select {
		case cmd, ok := <-c.cmdCh:
			if !ok {
				return
			}
			cmdQueue.PushBack(&cmd)
			if cmdQueue.Len() == 1 {
				c.writeFront(cmdQueue)
				doneCh = frontDoneCh(cmdQueue)
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.processLine(line, cmdQueue)
			doneCh = frontDoneCh(cmdQueue)
		case <-doneCh:
			c.cancelFront(cmdQueue)
			doneCh = frontDoneCh(cmdQueue)
		}
	}
}

func (c *Client) writeFront(cmdQueue *list.List) {
	cmd := cmdQueue.Front().Value.(*command)
	payload := map[string]interface{}{"execute": cmd.name}
	if cmd.args != nil {
		payload["arguments"] = cmd.args
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		c.abortFront(cmdQueue, fmt.Errorf("encode command %s: %w", cmd.name, err))
		return
	}
	c.cfg.Logger.Debug("control command sent", "seq", cmd.seq, "name", cmd.name)
	encoded = append(encoded, '\n')
	if _, err := c.conn.Write(encoded); err != nil {
		c.abortFront(cmdQueue, fmt.Errorf("write command %s: %w", cmd.name, err))
	}
}

func (c *Client) abortFront(cmdQueue *list.List, err error) {
	el := cmdQueue.Front()
	cmd := el.Value.(*command)
	cmdQueue.Remove(el)
	select {
	case cmd.res <- commandResult{err: err}:
	case <-cmd.ctx.Done():
	}
}

func (c *Client) processLine(line []byte, cmdQueue *list.List) {
	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		c.cfg.Logger.Warn("control: malformed line from hypervisor", "error", err)
		return
	}

	if name, ok := msg["event"]; ok {
		c.handleEvent(cmdQueue, name, msg["data"], msg["timestamp"])
		return
	}

	response, succeeded := msg["return"]
	_, failed := msg["error"]
	if !succeeded && !failed {
		return
	}

	el := cmdQueue.Front()
	if el == nil {
		c.cfg.Logger.Warn("control: unexpected response with no pending command")
		return
	}
	cmd := el.Value.(*command)
	if failed {
		c.finalize(el, cmdQueue, false, msg["error"])
		return
	}
	if cmd.filter == nil {
		c.finalize(el, cmdQueue, true, response)
		return
	}
	cmd.resultReceived = true
}

func (c *Client) handleEvent(cmdQueue *list.List, name, data, timestamp interface{}) {
	evName, ok := name.(string)
	if !ok {
		return
	}
	var evData map[string]interface{}
	if data != nil {
		evData, _ = data.(map[string]interface{})
	}

	if el := cmdQueue.Front(); el != nil {
		cmd := el.Value.(*command)
		if cmd.filter != nil && cmd.filter.name == evName {
			match := cmd.filter.dataKey == ""
			if !match && evData != nil {
				match = fmt.Sprint(evData[cmd.filter.dataKey]) == cmd.filter.dataVal
			}
			if match {
				if cmd.resultReceived {
					c.finalize(el, cmdQueue, true, nil)
				} else {
					cmd.filter = nil
				}
			}
		}
	}

	if c.cfg.EventCh == nil {
		return
	}
	ev := Event{Name: evName, Data: evData}
	if ts, ok := timestamp.(map[string]interface{}); ok {
		seconds, _ := ts["seconds"].(float64)
		micros, _ := ts["microseconds"].(float64)
		ev.Timestamp = time.Unix(int64(seconds), int64(micros))
	}
	c.cfg.EventCh <- ev
}

func (c *Client) finalize(el *list.Element, cmdQueue *list.List, ok bool, response interface{}) {
	cmd := el.Value.(*command)
	cmdQueue.Remove(el)
	select {
	case <-cmd.ctx.Done():
	default:
		if ok {
			cmd.res <- commandResult{response: response}
		} else {
			cmd.res <- commandResult{err: fmt.Errorf("control: command %s failed: %v", cmd.name, response)}
		}
	}
	if cmdQueue.Len() > 0 {
		c.writeFront(cmdQueue)
	}
}

func (c *Client) cancelFront(cmdQueue *list.List) {
	el := cmdQueue.Front()
	if el == nil {
		return
	}
	cmd := el.Value.(*command)
	if cmd.resultReceived {
		c.finalize(el, cmdQueue, false, nil)
	} else {
		cmd.filter = nil
	}
}

func frontDoneCh(cmdQueue *list.List) <-chan struct{} {
	el := cmdQueue.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*command).ctx.Done()
}

func failAll(cmdQueue *list.List) {
	for el := cmdQueue.Front(); el != nil; el = el.Next() {
		cmd := el.Value.(*command)
		select {
		case cmd.res <- commandResult{err: ErrDisconnected}:
		case <-cmd.ctx.Done():
		}
	}
}

func parseGreeting(line []byte, log *slog.Logger) *Greeting {
	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		log.Error("control: invalid greeting", "error", err)
		return nil
	}
	root, _ := msg["QMP"].(map[string]interface{})
	if root == nil {
		log.Error("control: greeting missing QMP field")
		return nil
	}
	version, _ := root["version"].(map[string]interface{})
	qemu, _ := version["qemu"].(map[string]interface{})
	if qemu == nil {
		log.Error("control: greeting missing version.qemu field")
		return nil
	}
	major, _ := qemu["major"].(float64)
	minor, _ := qemu["minor"].(float64)
	micro, _ := qemu["micro"].(float64)

	var caps []string
	if rawCaps, ok := root["capabilities"].([]interface{}); ok {
		for _, rc := range rawCaps {
			if s, ok := rc.(string); ok {
				caps = append(caps, s)
			}
		}
	}
	return &Greeting{Major: int(major), Minor: int(minor), Micro: int(micro), Capabilities: caps}
}

func (c *Client) executeWithFilter(ctx context.Context, name string, args map[string]interface{}, filter *eventFilter) (interface{}, error) {
	resCh := make(chan commandResult, 1)
	cmd := command{
		ctx:    ctx,
		res:    resCh,
		seq:    atomic.AddUint64(&c.seq, 1),
		name:   name,
		args:   args,
		filter: filter,
	}

	select {
	case <-c.disconnectedCh:
		return nil, ErrDisconnected
	case c.cmdCh <- cmd:
	}

	select {
	case res := <-resCh:
		return res.response, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute sends name with args and waits for the return/error response,
// discarding any returned payload.
func (c *Client) Execute(ctx context.Context, name string, args map[string]interface{}) error {
	_, err := c.executeWithFilter(ctx, name, args, nil)
	return err
}

// ExecuteWithResponse is like Execute but returns the decoded "return"
// payload on success.
func (c *Client) ExecuteWithResponse(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	return c.executeWithFilter(ctx, name, args, nil)
}

// ExecuteAwaitingEvent sends name with args and blocks until both the
// command response and a matching event (by name, and optionally by a
// single data field) have arrived — used for commands like
// system_powerdown whose completion is only signalled by an event.
func (c *Client) ExecuteAwaitingEvent(ctx context.Context, name string, args map[string]interface{}, eventName, dataKey, dataVal string) error {
	_, err := c.executeWithFilter(ctx, name, args, &eventFilter{name: eventName, dataKey: dataKey, dataVal: dataVal})
	return err
}
