package gena

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeDevice is an httptest GENA publisher.
type fakeDevice struct {
	srv *httptest.Server

	mu           sync.Mutex
	requests     []fakeRequest
	nextSID      int
	failRenew    bool
	failSub      bool
	omitSID      bool
	timeoutReply string

	// notifyOnResubscribe sends the initial event of a replacement
	// subscription before answering its SUBSCRIBE.
	notifyOnResubscribe bool
	notifyStatus        []int
}

type fakeRequest struct {
	Method   string
	SID      string
	Callback string
	NT       string
	Timeout  string
	Agent    string
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	d := &fakeDevice{timeoutReply: "Second-10"}
	d.srv = httptest.NewServer(http.HandlerFunc(d.handle))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) eventURL() string {
	return d.srv.URL + "/evt"
}

func (d *fakeDevice) handle(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := fakeRequest{
		Method:   r.Method,
		SID:      r.Header.Get("SID"),
		Callback: r.Header.Get("CALLBACK"),
		NT:       r.Header.Get("NT"),
		Timeout:  r.Header.Get("TIMEOUT"),
		Agent:    r.Header.Get("USER-AGENT"),
	}
	d.requests = append(d.requests, req)

	switch r.Method {
	case "SUBSCRIBE":
		if req.SID != "" {
			if d.failRenew {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			w.Header().Set("SID", req.SID)
			w.Header().Set("TIMEOUT", d.timeoutReply)
			return
		}
		if d.failSub {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		d.nextSID++
		sid := fmt.Sprintf("uuid:sid-%d", d.nextSID)
		if d.notifyOnResubscribe && d.nextSID > 1 {
			d.notifyStatus = append(d.notifyStatus, postNotify(strings.Trim(req.Callback, "<>"), sid))
		}
		if !d.omitSID {
			w.Header().Set("SID", sid)
		}
		w.Header().Set("TIMEOUT", d.timeoutReply)
	case "UNSUBSCRIBE":
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// postNotify sends an initial event and returns the status, or 0 when the
// request failed.
func postNotify(callback, sid string) int {
	req, err := http.NewRequest("NOTIFY", callback, strings.NewReader(lastChangeBody))
	if err != nil {
		return 0
	}
	req.Header.Set("NT", NTEvent)
	req.Header.Set("NTS", NTSPropChange)
	req.Header.Set("SID", sid)
	req.Header.Set("SEQ", "0")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDevice) count(method string, withSID bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.requests {
		if r.Method == method && (r.SID != "") == withSID {
			n++
		}
	}
	return n
}

func (d *fakeDevice) lastCallback() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.requests) - 1; i >= 0; i-- {
		if cb := d.requests[i].Callback; cb != "" {
			return strings.Trim(cb, "<>")
		}
	}
	return ""
}

func (d *fakeDevice) unsubscribedSIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, r := range d.requests {
		if r.Method == "UNSUBSCRIBE" {
			out = append(out, r.SID)
		}
	}
	return out
}
