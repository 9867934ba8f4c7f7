// Package control exposes the listener to operators as MCP tools served
// over a websocket.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/exam-voice-lab/internal/capture"
	"github.com/exam-voice-lab/internal/logging"
	"github.com/exam-voice-lab/internal/voice"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool names.
const (
	ToolStart           = "start_listening"
	ToolStop            = "stop_listening"
	ToolFlush           = "flush_now"
	ToolStatus          = "listener_status"
	ToolRetryPermission = "retry_permission"
)

// Controller is the listener surface driven by the tools. *voice.Listener
// implements it.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	FlushNow(ctx context.Context) (bool, error)
	RetryPermission(ctx context.Context) error
	Status() voice.Status
}

// StatusView is the JSON form of voice.Status returned by the tools.
type StatusView struct {
	State          string   `json:"state"`
	IsListening    bool     `json:"is_listening"`
	Mode           string   `json:"mode"`
	SessionID      string   `json:"session_id,omitempty"`
	VolumeLevel    float64  `json:"volume_level"`
	ElapsedSeconds float64  `json:"recording_elapsed_seconds"`
	Error          string   `json:"error,omitempty"`
	ErrorKind      string   `json:"error_kind,omitempty"`
	Remediation    []string `json:"remediation,omitempty"`
}

func viewOf(s voice.Status) StatusView {
	v := StatusView{
		State:          s.State.String(),
		IsListening:    s.IsListening,
		Mode:           string(s.Mode),
		SessionID:      s.SessionID,
		VolumeLevel:    s.VolumeLevel,
		ElapsedSeconds: s.RecordingElapsedSeconds,
	}
	if s.LastError != nil {
		v.Error = s.LastError.Message()
		v.ErrorKind = s.LastError.Kind.String()
		if s.LastError.NeedsRemediation() {
			v.Remediation = capture.RemediationSteps()
		}
	}
	return v
}

type noArgs struct{}

// Server is an MCP server whose tools drive one Controller.
type Server struct {
	mcp      *sdk.Server
	ctl      Controller
	upgrader websocket.Upgrader
	// AcquireTimeout bounds start_listening and retry_permission.
	AcquireTimeout time.Duration
}

func NewServer(ctl Controller, version string) *Server {
	s := &Server{
		mcp:            sdk.NewServer(&sdk.Implementation{Name: "exam-voice-listener", Version: version}, nil),
		ctl:            ctl,
		upgrader:       websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		AcquireTimeout: 10 * time.Second,
	}
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStart, Description: "acquire the microphone and start listening"}, s.start)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStop, Description: "stop listening and release the microphone"}, s.stop)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolFlush, Description: "commit the current utterance immediately"}, s.flush)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolStatus, Description: "report listener state, volume and last error"}, s.status)
	sdk.AddTool(s.mcp, &sdk.Tool{Name: ToolRetryPermission, Description: "retry acquisition after a permission denial"}, s.retry)
	return s
}

func (s *Server) acquireCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.AcquireTimeout)
}

// statusResult reports the controller status, flagged as an error when err
// is set so clients see the failure and the remediation in one reply.
func (s *Server) statusResult(err error) (*sdk.CallToolResult, any, error) {
	v := viewOf(s.ctl.Status())
	if err != nil && v.Error == "" {
		v.Error = err.Error()
	}
	data, merr := json.Marshal(v)
	if merr != nil {
		return nil, nil, merr
	}
	return &sdk.CallToolResult{
		IsError: err != nil,
		Content: []sdk.Content{&sdk.TextContent{Text: string(data)}},
	}, nil, nil
}

// logCall records a state-changing tool call.
func logCall(ctx context.Context, tool string, err error) {
	ctx = logging.WithFields(ctx, "tool", tool)
	if err != nil {
		logging.WarnwCtx(ctx, "control: tool failed", "err", err)
		return
	}
	logging.InfowCtx(ctx, "control: tool applied")
}

func (s *Server) start(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	actx, cancel := s.acquireCtx(ctx)
	defer cancel()
	err := s.ctl.Start(actx)
	logCall(ctx, ToolStart, err)
	return s.statusResult(err)
}

func (s *Server) stop(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	err := s.ctl.Stop()
	logCall(ctx, ToolStop, err)
	return s.statusResult(err)
}

func (s *Server) retry(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	actx, cancel := s.acquireCtx(ctx)
	defer cancel()
	err := s.ctl.RetryPermission(actx)
	logCall(ctx, ToolRetryPermission, err)
	return s.statusResult(err)
}

func (s *Server) flush(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	emitted, err := s.ctl.FlushNow(ctx)
	logCall(ctx, ToolFlush, err)
	if err != nil {
		return s.statusResult(err)
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: fmt.Sprintf(`{"emitted":%t}`, emitted)}},
	}, nil, nil
}

func (s *Server) status(ctx context.Context, req *sdk.CallToolRequest, _ noArgs) (*sdk.CallToolResult, any, error) {
	return s.statusResult(nil)
}

// Handler serves the MCP websocket at /mcp/ws and a liveness check at
// /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp/ws", s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("control: ws upgrade failed", "err", err)
		return
	}
	go func() {
		session, err := s.mcp.Connect(context.Background(), newWSTransport(conn, "listener"), nil)
		if err != nil {
			logging.Warnw("control: mcp connect failed", "err", err)
			_ = conn.Close()
			return
		}
		defer session.Close()
		logging.Debugw("control: mcp session opened", "session", session.ID(), "remote", r.RemoteAddr)
		if err := session.Wait(); err != nil {
			logging.Debugw("control: mcp session ended", "session", session.ID(), "err", err)
		}
	}()
}
