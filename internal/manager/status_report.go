package manager

import (
	"fmt"
	"time"

	"diffusiond/pkg/types"
)

// ImageID names image index of a request in the gallery and in URLs.
func ImageID(requestID string, index int) string {
	return fmt.Sprintf("%s-%d", requestID, index)
}

// ToPhaseEvent projects a Phase to its wire form. Pixel data is replaced by
// gallery references.
func ToPhaseEvent(p Phase) types.PhaseEvent {
	ev := types.PhaseEvent{
		Phase:     string(p.Kind),
		Model:     p.ModelID,
		RequestID: p.RequestID,
		Error:     p.Err,
		Code:      p.Code,
	}
	if p.Progress != nil {
		step := p.Progress.Step
		ev.Step = &step
		ev.Steps = p.Progress.TotalSteps
	}
	if r := p.Result; r != nil {
		sum := &types.ResultSummary{
			RequestID:  r.RequestID,
			Model:      r.ModelID,
			Seed:       r.Seed,
			DurationMS: r.Duration.Milliseconds(),
			Images:     make([]types.ImageRef, 0, len(r.Images)),
		}
		for _, img := range r.Images {
			id := ImageID(r.RequestID, img.Index)
			sum.Images = append(sum.Images, types.ImageRef{ID: id, Index: img.Index, URL: "/images/" + id + ".png"})
		}
		ev.Result = sum
		ev.Steps = r.Request.Steps
	}
	return ev
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := types.StatusResponse{
		PhaseEvent:       ToPhaseEvent(m.state.Current()),
		LoadPolicy:       string(m.policy),
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix:   time.Now().Unix(),
		LoadsTotal:       m.loadsTotal,
		GenerationsTotal: m.generationsTotal,
		Subscribers:      m.state.Subscribers(),
	}
	if m.pending != nil {
		resp.PendingLoad = *m.pending
	}
	if resp.Model == "" {
		resp.Model = m.currentIDLocked()
	}
	return resp
}
