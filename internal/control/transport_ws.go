package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxControlFrame bounds a single JSON-RPC frame; control replies are a
// status object at most.
const maxControlFrame = 1 << 20

// wsTransport binds one websocket to an MCP session, one JSON-RPC message
// per binary frame. The server and the ctl client both use it.
type wsTransport struct {
	conn *websocket.Conn
	id   string
}

// newWSTransport tags the connection with a control session id of the form
// "<side>-<uuid>".
func newWSTransport(conn *websocket.Conn, side string) *wsTransport {
	conn.SetReadLimit(maxControlFrame)
	return &wsTransport{conn: conn, id: side + "-" + uuid.NewString()}
}

func (t *wsTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return &wsConnection{conn: t.conn, id: t.id}, nil
}

// wsConnection is safe for one reader and any number of writers. The SDK
// writes responses from concurrent tool handlers, and gorilla allows only
// one writer at a time.
type wsConnection struct {
	conn *websocket.Conn
	id   string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (w *wsConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
		defer w.conn.SetReadDeadline(time.Time{})
	}
	kind, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
		return nil, &websocket.CloseError{Code: websocket.CloseUnsupportedData, Text: "control: unexpected frame type"}
	}
	return jsonrpc.DecodeMessage(data)
}

func (w *wsConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Time{}
	}
	if err := w.conn.SetWriteDeadline(dl); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConnection) Close() error {
	w.closeOnce.Do(func() { w.closeErr = w.conn.Close() })
	return w.closeErr
}

// SessionID identifies the control session in logs on both ends.
func (w *wsConnection) SessionID() string { return w.id }
