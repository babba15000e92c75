package ingestion

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/agriedge/internal/model"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

// fakeConn stands in for a paho client. Connect succeeds after failFirst
// failures and then runs the OnConnect handler like paho does.
type fakeConn struct {
	opts      *mqtt.ClientOptions
	failFirst int
	subErr    error

	mu           sync.Mutex
	connects     int
	connected    bool
	disconnects  int
	unsubscribes int
	handler      mqtt.MessageHandler
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeConn) Connect() mqtt.Token {
	f.mu.Lock()
	f.connects++
	if f.connects <= f.failFirst {
		f.mu.Unlock()
		return newToken(errors.New("connection refused"))
	}
	f.connected = true
	f.mu.Unlock()
	if f.opts.OnConnect != nil {
		go f.opts.OnConnect(f)
	}
	return newToken(nil)
}

func (f *fakeConn) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeConn) Publish(string, byte, bool, interface{}) mqtt.Token { return newToken(nil) }

func (f *fakeConn) Subscribe(_ string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return newToken(f.subErr)
	}
	f.handler = cb
	return newToken(nil)
}

func (f *fakeConn) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken(nil)
}

func (f *fakeConn) Unsubscribe(...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes++
	return newToken(nil)
}

func (f *fakeConn) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeConn) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver pushes a message through the subscription callback, if any.
func (f *fakeConn) deliver(m mqtt.Message) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(f, m)
	return true
}

func (f *fakeConn) loseConnection(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
}

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
	id      uint16
	dup     bool
}

func (m fakeMessage) Duplicate() bool   { return m.dup }
func (m fakeMessage) Qos() byte         { return m.qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return m.id }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func msg(payload string) fakeMessage {
	return fakeMessage{topic: "agriedge/sensor", payload: []byte(payload), qos: 1, id: 1}
}

type recorder struct {
	mu       sync.Mutex
	readings []model.Reading
	err      error
}

func (r *recorder) Record(reading model.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.readings = append(r.readings, reading)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

type statusEvent struct {
	status Status
	err    error
}

type statusLog struct {
	mu     sync.Mutex
	events []statusEvent
}

func (l *statusLog) record(s Status, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, statusEvent{s, err})
}

func (l *statusLog) last() statusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return statusEvent{}
	}
	return l.events[len(l.events)-1]
}

func (l *statusLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Status, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.status)
	}
	return out
}

type mirrorSink struct {
	mu sync.Mutex
	n  int
}

func (m *mirrorSink) Mirror(model.Reading) {
	m.mu.Lock()
	m.n++
	m.mu.Unlock()
}
