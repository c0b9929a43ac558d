package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"depthnotes/gate/internal/gate"
	"depthnotes/gate/internal/store"
)

type decisionView struct {
	Phase                  string `json:"phase"`
	Endpoint               string `json:"endpoint,omitempty"`
	Decided                bool   `json:"decided"`
	Locked                 bool   `json:"locked"`
	NavigateLocal          bool   `json:"navigateLocal"`
	NavigateRemote         bool   `json:"navigateRemote"`
	ShowNotificationPrompt bool   `json:"showNotificationPrompt"`
	Offline                bool   `json:"offline"`
	Notifications          string `json:"notifications"`
}

func newDecisionView(s gate.State) decisionView {
	return decisionView{
		Phase:                  s.Phase.Kind.String(),
		Endpoint:               s.Phase.Endpoint,
		Decided:                gate.Decided(s),
		Locked:                 s.Locked,
		NavigateLocal:          s.UI.NavigateLocal,
		NavigateRemote:         s.UI.NavigateRemote,
		ShowNotificationPrompt: s.UI.ShowNotificationPrompt,
		Offline:                s.UI.Offline,
		Notifications:          s.Config.Notifications.Status.String(),
	}
}

func printDecision(w io.Writer, s gate.State, asJSON bool) error {
	view := newDecisionView(s)
	if asJSON {
		return writeIndented(w, view)
	}

	switch s.Phase.Kind {
	case gate.PhaseRunning:
		fmt.Fprintf(w, "%s %s\n", color.GreenString("remote"), view.Endpoint)
	case gate.PhasePaused:
		fmt.Fprintf(w, "%s local content\n", color.YellowString("paused"))
	default:
		fmt.Fprintf(w, "%s still %s\n", color.RedString("undecided"), view.Phase)
	}
	if view.Locked {
		fmt.Fprintln(w, "  locked")
	}
	if view.ShowNotificationPrompt {
		fmt.Fprintln(w, "  notification prompt pending")
	}
	fmt.Fprintf(w, "  notifications: %s\n", view.Notifications)
	return nil
}

type snapshotView struct {
	Endpoint      string            `json:"endpoint"`
	Mode          string            `json:"mode"`
	FirstLaunch   bool              `json:"firstLaunch"`
	Tracking      map[string]string `json:"tracking"`
	Navigation    map[string]string `json:"navigation"`
	Notifications struct {
		Approved    bool   `json:"approved"`
		Rejected    bool   `json:"rejected"`
		LastRequest string `json:"lastRequest,omitempty"`
	} `json:"notifications"`
	PushToken string `json:"pushToken,omitempty"`
}

func newSnapshotView(snap store.Snapshot) snapshotView {
	view := snapshotView{
		Endpoint:    snap.Endpoint,
		Mode:        snap.Mode,
		FirstLaunch: snap.FirstLaunch,
		Tracking:    snap.Tracking,
		Navigation:  snap.Navigation,
	}
	view.Notifications.Approved = snap.Notifications.Approved
	view.Notifications.Rejected = snap.Notifications.Rejected
	if !snap.Notifications.LastRequest.IsZero() {
		view.Notifications.LastRequest = snap.Notifications.LastRequest.UTC().Format(time.RFC3339)
	}
	return view
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
