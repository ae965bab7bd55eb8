package devserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"
	"github.com/starfederation/datastar-go/datastar"
)

type pushMsg struct {
	event string
	data  []byte
}

// yearHub fans push messages out to the open streams of one year.
type yearHub struct {
	mu   sync.Mutex
	subs map[chan pushMsg]struct{}
}

func newYearHub() *yearHub {
	return &yearHub{subs: map[chan pushMsg]struct{}{}}
}

func (h *yearHub) subscribe() (ch chan pushMsg, cancel func()) {
	ch = make(chan pushMsg, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

func (h *yearHub) broadcast(msg pushMsg) {
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Slow client: it resyncs from the absolute state of later events or a reload.
			glog.Warningf("push: dropping %s event for a slow subscriber", msg.event)
		}
	}
	h.mu.Unlock()
}

func (h *yearHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type pushServer struct {
	mu        sync.Mutex
	hubs      map[int]*yearHub
	keepAlive time.Duration
}

func newPushServer(keepAlive time.Duration) *pushServer {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &pushServer{hubs: map[int]*yearHub{}, keepAlive: keepAlive}
}

func (p *pushServer) hubFor(year int) *yearHub {
	p.mu.Lock()
	h := p.hubs[year]
	if h == nil {
		h = newYearHub()
		p.hubs[year] = h
	}
	p.mu.Unlock()
	return h
}

// Push sends a named event with a JSON payload to every stream of year.
func (p *pushServer) Push(year int, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		glog.Errorf("push: encode %s: %v", event, err)
		return
	}
	glog.V(2).Infof("push year=%d %s %s", year, event, b)
	p.hubFor(year).broadcast(pushMsg{event: event, data: b})
}

// Subscribers reports the number of open streams for year.
func (p *pushServer) Subscribers(year int) int {
	return p.hubFor(year).size()
}

func (p *pushServer) handleStream(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(chi.URLParam(r, "year"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Subscribe before the first write so no event between handshake and loop is lost.
	ch, cancel := p.hubFor(year).subscribe()
	defer cancel()

	sse := datastar.NewSSE(w, r)
	_ = sse.Send(datastar.EventType("ping"), []string{"{}"})

	keepAlive := time.NewTicker(p.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-sse.Context().Done():
			return
		case <-keepAlive.C:
			_ = sse.Send(datastar.EventType("ping"), []string{"{}"})
		case msg := <-ch:
			if err := sse.Send(datastar.EventType(msg.event), []string{string(msg.data)}); err != nil {
				glog.V(1).Infof("push: stream for year %d closed: %v", year, err)
				return
			}
		}
	}
}
