// Package control implements the MQTT command plane: zone management,
// recording queries, motion tuning and lifecycle commands.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/muzapapa-glitch/RasCam/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains the callbacks commands dispatch to
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	OnPause     func() error
	OnResume    func() error
	OnShutdown  func() error

	OnAddZone     func(name string, x, y, width, height int) error
	OnRemoveZone  func(name string) error
	OnEnableZone  func(name string) error
	OnDisableZone func(name string) error
	OnListZones   func() map[string]interface{}

	OnSetSensitivity    func(preset string) error
	OnSetThreshold      func(threshold float64) error
	OnSetRequiredFrames func(frames int) error
	OnSetPostRecord     func(seconds int) error
	OnSetFrameRate      func(fps int) error

	OnListRecordings  func() map[string]interface{}
	OnDeleteRecording func(filename string) error
	OnStorageStats    func() map[string]interface{}
	OnForceCleanup    func() map[string]interface{}

	OnThermalStatus  func() map[string]interface{}
	OnThermalHistory func(minutes int) map[string]interface{}
}

// Handler subscribes to the command topic and executes commands
// sequentially off a queue
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	logger    *slog.Logger
	commands  chan Command
	callbacks CommandCallbacks

	mu       sync.RWMutex
	isPaused bool
}

// NewHandler creates a control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		logger:    logger.With("component", "control"),
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the command topic and launches the processor
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Commands
	qos := h.cfg.QoS["commands"]

	h.logger.Info("subscribing to command topic", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("command subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("command subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	h.logger.Info("control plane started")
	return nil
}

// Stop unsubscribes and drains the queue
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Commands)
		token.Wait()
	}

	close(h.commands)

	h.logger.Info("control plane stopped")
	return nil
}

// IsPaused reports whether detection is paused
func (h *Handler) IsPaused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isPaused
}

func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Error("failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes one command and publishes its response
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.fail("get_status not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if h.callbacks.OnPause == nil {
			resp.fail("pause not implemented")
			break
		}
		if err := h.callbacks.OnPause(); err != nil {
			resp.fail(err.Error())
			break
		}
		h.mu.Lock()
		h.isPaused = true
		h.mu.Unlock()
		resp.ok(map[string]interface{}{"detection_active": false})

	case "resume":
		if h.callbacks.OnResume == nil {
			resp.fail("resume not implemented")
			break
		}
		if err := h.callbacks.OnResume(); err != nil {
			resp.fail(err.Error())
			break
		}
		h.mu.Lock()
		h.isPaused = false
		h.mu.Unlock()
		resp.ok(map[string]interface{}{"detection_active": true})

	case "add_zone":
		if h.callbacks.OnAddZone == nil {
			resp.fail("add_zone not implemented")
			break
		}
		name, okName := stringParam(cmd.Params, "name")
		x, okX := intParam(cmd.Params, "x")
		y, okY := intParam(cmd.Params, "y")
		width, okW := intParam(cmd.Params, "width")
		height, okH := intParam(cmd.Params, "height")
		if !okName || !okX || !okY || !okW || !okH {
			resp.fail("add_zone requires 'name', 'x', 'y', 'width', 'height'")
			break
		}
		if err := h.callbacks.OnAddZone(name, x, y, width, height); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"zone_added": name})

	case "remove_zone":
		h.zoneCommand(&resp, cmd, "zone_removed", h.callbacks.OnRemoveZone)

	case "enable_zone":
		h.zoneCommand(&resp, cmd, "zone_enabled", h.callbacks.OnEnableZone)

	case "disable_zone":
		h.zoneCommand(&resp, cmd, "zone_disabled", h.callbacks.OnDisableZone)

	case "list_zones":
		if h.callbacks.OnListZones == nil {
			resp.fail("list_zones not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnListZones()

	case "set_sensitivity":
		if h.callbacks.OnSetSensitivity == nil {
			resp.fail("set_sensitivity not implemented")
			break
		}
		preset, ok := stringParam(cmd.Params, "preset")
		if !ok {
			resp.fail("missing or invalid 'preset' parameter (expected low/medium/high/very_high)")
			break
		}
		if err := h.callbacks.OnSetSensitivity(preset); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"sensitivity": preset})

	case "set_threshold":
		if h.callbacks.OnSetThreshold == nil {
			resp.fail("set_threshold not implemented")
			break
		}
		threshold, ok := cmd.Params["threshold"].(float64)
		if !ok {
			resp.fail("missing or invalid 'threshold' parameter (expected number)")
			break
		}
		if err := h.callbacks.OnSetThreshold(threshold); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"threshold": threshold})

	case "set_required_frames":
		if h.callbacks.OnSetRequiredFrames == nil {
			resp.fail("set_required_frames not implemented")
			break
		}
		frames, ok := intParam(cmd.Params, "frames")
		if !ok {
			resp.fail("missing or invalid 'frames' parameter (expected integer)")
			break
		}
		if err := h.callbacks.OnSetRequiredFrames(frames); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"required_frames": frames})

	case "set_post_record":
		if h.callbacks.OnSetPostRecord == nil {
			resp.fail("set_post_record not implemented")
			break
		}
		seconds, ok := intParam(cmd.Params, "seconds")
		if !ok {
			resp.fail("missing or invalid 'seconds' parameter (expected integer)")
			break
		}
		if err := h.callbacks.OnSetPostRecord(seconds); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"post_record_seconds": seconds})

	case "set_frame_rate":
		if h.callbacks.OnSetFrameRate == nil {
			resp.fail("set_frame_rate not implemented")
			break
		}
		fps, ok := intParam(cmd.Params, "fps")
		if !ok {
			resp.fail("missing or invalid 'fps' parameter (expected integer)")
			break
		}
		if err := h.callbacks.OnSetFrameRate(fps); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"fps": fps})

	case "list_recordings":
		if h.callbacks.OnListRecordings == nil {
			resp.fail("list_recordings not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnListRecordings()

	case "delete_recording":
		if h.callbacks.OnDeleteRecording == nil {
			resp.fail("delete_recording not implemented")
			break
		}
		filename, ok := stringParam(cmd.Params, "filename")
		if !ok {
			resp.fail("missing or invalid 'filename' parameter (expected string)")
			break
		}
		if err := h.callbacks.OnDeleteRecording(filename); err != nil {
			resp.fail(err.Error())
			break
		}
		resp.ok(map[string]interface{}{"deleted": filename})

	case "storage_stats":
		if h.callbacks.OnStorageStats == nil {
			resp.fail("storage_stats not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnStorageStats()

	case "force_cleanup":
		if h.callbacks.OnForceCleanup == nil {
			resp.fail("force_cleanup not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnForceCleanup()

	case "thermal_status":
		if h.callbacks.OnThermalStatus == nil {
			resp.fail("thermal_status not implemented")
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnThermalStatus()

	case "thermal_history":
		if h.callbacks.OnThermalHistory == nil {
			resp.fail("thermal_history not implemented")
			break
		}
		minutes, ok := intParam(cmd.Params, "minutes")
		if !ok {
			minutes = 10
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnThermalHistory(minutes)

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp.fail("shutdown not implemented")
			break
		}
		h.logger.Warn("shutdown command received")
		resp.ok(map[string]interface{}{"shutdown_initiated": true})
		// Publish the response before tearing the connection down
		h.sendResponse(resp)
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.logger.Error("shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.fail(fmt.Sprintf("unknown command: %s", cmd.Command))
	}

	h.sendResponse(resp)
}

// zoneCommand handles the name-only zone operations
func (h *Handler) zoneCommand(resp *Response, cmd Command, ackKey string, fn func(string) error) {
	if fn == nil {
		resp.fail(cmd.Command + " not implemented")
		return
	}
	name, ok := stringParam(cmd.Params, "name")
	if !ok {
		resp.fail("missing or invalid 'name' parameter (expected string)")
		return
	}
	if err := fn(name); err != nil {
		resp.fail(err.Error())
		return
	}
	resp.ok(map[string]interface{}{ackKey: name})
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.Topics.Responses
	qos := h.cfg.QoS["responses"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func (r *Response) ok(data map[string]interface{}) {
	r.Status = "success"
	r.Data = data
}

func (r *Response) fail(msg string) {
	r.Status = "error"
	r.Error = msg
}

// stringParam extracts a string parameter
func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok && v != ""
}

// intParam extracts an integer parameter. JSON numbers decode as
// float64, so whole floats are accepted.
func intParam(params map[string]interface{}, key string) (int, bool) {
	f, ok := params[key].(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
