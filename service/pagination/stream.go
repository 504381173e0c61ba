package pagination

import (
	"log"

	"github.com/drift-social/Drift-server/cmd/utils"
	"github.com/gorilla/websocket"
)

// Request is one client message on a paginated stream. Exactly one field
// is set: the opening Header, then Cursor or Offset messages.
type Request struct {
	Header *Header `json:"header,omitempty"`
	Cursor *Cursor `json:"cursor,omitempty"`
	Offset *int    `json:"offset,omitempty"`
}

type errorFrame struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Slots bounds the number of concurrently held stream workers. Long-lived
// streams each occupy one for their whole lifetime.
type Slots struct {
	sem chan struct{}
}

func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{sem: make(chan struct{}, n)}
}

// TryAcquire takes a slot without blocking; a full pool refuses the
// stream instead of queueing it behind other connections.
func (s *Slots) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Slots) Release() {
	<-s.sem
}

func writeError(conn *websocket.Conn, err error) {
	frame := errorFrame{Error: utils.CodeOf(err).String(), Reason: utils.ReasonOf(err)}
	if werr := conn.WriteJSON(frame); werr != nil {
		log.Printf("stream error write failed: %v", werr)
	}
}

// RunStream drives the pagination protocol over one websocket. The first
// client message must be a header; the server answers it with the first
// page and then serves one page per cursor or offset message. A client
// disconnect ends the stream without error; a protocol violation sends
// an error frame and closes.
func RunStream[T any](conn *websocket.Conn, src Source[T]) {
	var req Request
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Header == nil {
		writeError(conn, utils.InvalidArgument("missing_header"))
		return
	}
	header := *req.Header
	if err := header.Validate(); err != nil {
		writeError(conn, err)
		return
	}

	page, err := FetchPage(src, header.Size, nil, header.Forward)
	if err != nil {
		writeError(conn, err)
		return
	}
	if err := conn.WriteJSON(page); err != nil {
		return
	}

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			// Disconnect: stop iterating, keep what was already sent.
			return
		}

		var page *Page[T]
		switch {
		case req.Cursor != nil:
			page, err = FetchPage(src, header.Size, req.Cursor, header.Forward)
		case req.Offset != nil:
			page, err = FetchOffset(src, header.Size, *req.Offset)
		default:
			err = utils.InvalidArgument("missing_cursor")
		}
		if err != nil {
			writeError(conn, err)
			if utils.CodeOf(err) == utils.CodeInternal {
				log.Printf("stream page failed: %v", err)
			}
			return
		}
		if err := conn.WriteJSON(page); err != nil {
			return
		}
	}
}
