package transport

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/chess-arena/pkg/matchdto"
)

// Peer is one connected player. The transport guarantees ordered delivery
// per connection; everything above it addresses peers through this surface
// so sessions can swap the backing connection on reconnect.
type Peer interface {
	ID() string
	UserID() string
	UserName() string
	Send(ctx context.Context, env matchdto.Envelope) error
}

// wsPeer wraps one websocket connection. Writes are serialized with a mutex
// since session broadcasts and the clock tick may send concurrently.
type wsPeer struct {
	id       string
	userID   string
	userName string

	conn *websocket.Conn
	wm   sync.Mutex
}

// NewPeer binds identity to an accepted websocket connection.
func NewPeer(id, userID, userName string, conn *websocket.Conn) Peer {
	return &wsPeer{id: id, userID: userID, userName: userName, conn: conn}
}

func (p *wsPeer) ID() string       { return p.id }
func (p *wsPeer) UserID() string   { return p.userID }
func (p *wsPeer) UserName() string { return p.userName }

func (p *wsPeer) Send(ctx context.Context, env matchdto.Envelope) error {
	p.wm.Lock()
	defer p.wm.Unlock()
	return wsjson.Write(ctx, p.conn, env)
}
