package api

import (
	"net/http"
	"testing"

	"github.com/cern-cta/CTA-sub017/internal/objectstore"
	"github.com/cern-cta/CTA-sub017/internal/scheduler"
)

func TestQueueRepack(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(t, http.MethodPost, "/v1/repacks", `{"vid":"V00101","buffer_url":"file:///buffer","username":"ops"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if len(env.store.repacks) != 1 {
		t.Fatalf("queued repacks = %d, want 1", len(env.store.repacks))
	}
	want := scheduler.RepackSpec{VID: "V00101", BufferURL: "file:///buffer", Requester: "ops"}
	if got := env.store.repacks[0]; got != want {
		t.Errorf("QueueRepack() spec = %+v, want %+v", got, want)
	}

	w = env.do(t, http.MethodGet, "/v1/repacks", "")
	var resp struct {
		Repacks []scheduler.RepackInfo `json:"repacks"`
	}
	decode(t, w, &resp)
	if len(resp.Repacks) != 1 || resp.Repacks[0].VID != "V00101" {
		t.Errorf("repacks = %+v, want V00101", resp.Repacks)
	}
}

func TestQueueRepack_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing vid", `{"buffer_url":"file:///buffer"}`},
		{"missing buffer", `{"vid":"V00101"}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t, nil)
			w := env.do(t, http.MethodPost, "/v1/repacks", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(env.store.repacks) != 0 {
				t.Errorf("queued repacks = %d, want 0", len(env.store.repacks))
			}
		})
	}
}

func TestListRepacks_EmptyIsArray(t *testing.T) {
	env := newHandlerEnv(t, nil)
	w := env.do(t, http.MethodGet, "/v1/repacks", "")
	if w.Code != http.StatusOK || w.Body.String() != "{\"repacks\":[]}\n" {
		t.Errorf("GET /v1/repacks = %d %q, want empty array", w.Code, w.Body.String())
	}
}

func TestReportDriveState(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do(t, http.MethodPut, "/v1/drives/drive1", `{"host":"tpsrv01","library":"lib1","status":"Down","reason":"cleaning"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	want := objectstore.DriveState{Name: "drive1", Host: "tpsrv01", Library: "lib1", Status: objectstore.DriveDown, Reason: "cleaning"}
	if len(env.store.drives) != 1 || env.store.drives[0] != want {
		t.Errorf("reported drives = %+v, want [%+v]", env.store.drives, want)
	}

	w = env.do(t, http.MethodPut, "/v1/drives/drive1", `{"status":"Sideways"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status for unknown drive status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = env.do(t, http.MethodGet, "/v1/drives", "")
	var resp struct {
		Drives []objectstore.DriveState `json:"drives"`
	}
	decode(t, w, &resp)
	if len(resp.Drives) != 1 || resp.Drives[0].Name != "drive1" {
		t.Errorf("drives = %+v, want drive1", resp.Drives)
	}
}
