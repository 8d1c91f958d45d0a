package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// ChannelView is the API representation of one channel.
type ChannelView struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	xmv.ChannelValue
}

// ChannelListResponse is returned by GET /api/v1/channels.
type ChannelListResponse struct {
	Channels   []ChannelView `json:"channels"`
	Count      int           `json:"count"`
	Connection string        `json:"connection"`
	MinDB      float64       `json:"min_db"`
	MaxDB      float64       `json:"max_db"`
}

// PowerRequest is the body of PUT /channels/{id}/power.
type PowerRequest struct {
	On *bool `json:"on"`
}

// VolumeRequest is the body of PUT /channels/{id}/volume.
// Exactly one of Volume (0.0-1.0) or VolumeDB must be set.
type VolumeRequest struct {
	Volume   *float64 `json:"volume"`
	VolumeDB *float64 `json:"volume_db"`
}

// MuteRequest is the body of PUT /channels/{id}/mute.
type MuteRequest struct {
	Muted *bool `json:"muted"`
}

// ConnectivityEvent is the payload of connectivity.changed.
type ConnectivityEvent struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

func (s *Server) channelView(ch xmv.ChannelConfig, state xmv.ChannelState) ChannelView {
	available := s.ctrl.State() == xmv.Connected
	return ChannelView{
		ID:           ch.ID,
		Name:         ch.Name,
		ChannelValue: xmv.NewChannelValue(state, s.ctrl.VolumeRange(), available),
	}
}

// handleListChannels returns every configured channel with its cached state.
func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.ctrl.Channels()
	views := make([]ChannelView, 0, len(channels))
	for _, ch := range channels {
		state, err := s.ctrl.GetState(ch.ID)
		if err != nil {
			continue
		}
		views = append(views, s.channelView(ch, state))
	}

	r := s.ctrl.VolumeRange()
	writeJSON(w, http.StatusOK, ChannelListResponse{
		Channels:   views,
		Count:      len(views),
		Connection: s.ctrl.State().String(),
		MinDB:      r.MinDB,
		MaxDB:      r.MaxDB,
	})
}

// handleGetChannel returns one channel.
func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}
	s.writeChannel(w, ch)
}

// handleSetPower switches a channel on or off.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	var req PowerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.On == nil {
		writeBadRequest(w, "field 'on' is required")
		return
	}

	if err := s.ctrl.SetPower(r.Context(), ch.ID, *req.On); err != nil {
		s.logCommandError("power", ch.ID, err)
		writeControllerError(w, err)
		return
	}
	s.writeChannel(w, ch)
}

// handleSetVolume sets a channel level from a fraction or a dB value.
func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	var req VolumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.Volume != nil && req.VolumeDB != nil:
		writeBadRequest(w, "set either 'volume' or 'volume_db', not both")
		return
	case req.Volume != nil:
		err = s.ctrl.SetVolume(r.Context(), ch.ID, *req.Volume)
	case req.VolumeDB != nil:
		err = s.ctrl.SetVolumeDB(r.Context(), ch.ID, *req.VolumeDB)
	default:
		writeBadRequest(w, "field 'volume' or 'volume_db' is required")
		return
	}

	if err != nil {
		s.logCommandError("volume", ch.ID, err)
		writeControllerError(w, err)
		return
	}
	s.writeChannel(w, ch)
}

// handleSetMute mutes or unmutes a channel.
func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	var req MuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Muted == nil {
		writeBadRequest(w, "field 'muted' is required")
		return
	}

	if err := s.ctrl.SetMute(r.Context(), ch.ID, *req.Muted); err != nil {
		s.logCommandError("mute", ch.ID, err)
		writeControllerError(w, err)
		return
	}
	s.writeChannel(w, ch)
}

// handleRefreshChannel re-queries a channel from the device.
func (s *Server) handleRefreshChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookupChannel(w, r)
	if !ok {
		return
	}

	if err := s.ctrl.Refresh(r.Context(), ch.ID); err != nil {
		s.logCommandError("refresh", ch.ID, err)
		writeControllerError(w, err)
		return
	}
	s.writeChannel(w, ch)
}

// lookupChannel resolves the {id} URL parameter. It writes the error
// response itself and reports false when the channel cannot be used.
func (s *Server) lookupChannel(w http.ResponseWriter, r *http.Request) (xmv.ChannelConfig, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		writeBadRequest(w, fmt.Sprintf("invalid channel id %q", raw))
		return xmv.ChannelConfig{}, false
	}

	ch, ok := s.ctrl.Channel(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeChannelNotFound, fmt.Sprintf("channel %d is not configured", id))
		return xmv.ChannelConfig{}, false
	}
	return ch, true
}

func (s *Server) writeChannel(w http.ResponseWriter, ch xmv.ChannelConfig) {
	state, err := s.ctrl.GetState(ch.ID)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.channelView(ch, state))
}

func (s *Server) logCommandError(command string, channelID int, err error) {
	s.logger.Warn("channel command failed",
		"command", command,
		"channel", channelID,
		"error", err,
	)
}

// decodeBody parses a JSON request body, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
