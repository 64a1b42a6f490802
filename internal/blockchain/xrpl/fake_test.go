package xrpl

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// handlerFunc returns the result object of a command, or an error code
type handlerFunc func(req gjson.Result) (result interface{}, errCode string)

// fakeRippled is a websocket server speaking just enough of the rippled API
type fakeRippled struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	handlers map[string]handlerFunc
	requests []string
	open     int32
	closed   int32
	noise    bool // send a stream message before every response
}

func newFakeRippled(t *testing.T) *fakeRippled {
	f := &fakeRippled{t: t, handlers: make(map[string]handlerFunc)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&f.open, 1)
		defer func() {
			ws.Close()
			atomic.AddInt32(&f.closed, 1)
		}()
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			req := gjson.ParseBytes(raw)
			cmd := req.Get("command").String()

			f.mu.Lock()
			f.requests = append(f.requests, cmd)
			h, ok := f.handlers[cmd]
			noise := f.noise
			f.mu.Unlock()

			if noise {
				_ = ws.WriteJSON(map[string]interface{}{"type": "ledgerClosed", "ledger_index": 1})
			}
			resp := map[string]interface{}{"id": req.Get("id").Int(), "type": "response"}
			if !ok {
				resp["status"] = "error"
				resp["error"] = "unknownCmd"
			} else if result, code := h(req); code != "" {
				resp["status"] = "error"
				resp["error"] = code
			} else {
				resp["status"] = "success"
				resp["result"] = result
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRippled) handle(cmd string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
}

func (f *fakeRippled) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRippled) dialer() *Dialer {
	return NewDialer(f.url(), zap.NewNop())
}

func (f *fakeRippled) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}
