package dimse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// Handler interfaces. A service registers only the commands it supports;
// anything unregistered is answered with StatusCannotUnderstand.

// EchoHandler answers verification pings.
type EchoHandler interface {
	OnEcho(ctx context.Context, callingAET string) Status
}

// QueryHandler answers worklist queries. Matches are pushed one at a time;
// a push error aborts the stream (session gone or cancelled).
type QueryHandler interface {
	OnQuery(ctx context.Context, keys map[string]string, push func(map[string]string) error) Status
}

// StartHandler records a procedure-started event.
type StartHandler interface {
	OnStart(ctx context.Context, accession, reportedStatus, performedUID string) Status
}

// CompleteHandler records a procedure completed/discontinued event.
type CompleteHandler interface {
	OnComplete(ctx context.Context, accession, reportedStatus, performedUID string) Status
}

// StoreHandler accepts an image transfer.
type StoreHandler interface {
	OnStore(ctx context.Context, callingAET string, meta *InstanceMeta, body []byte) Status
}

// Dispatcher routes association commands to registered handlers.
type Dispatcher struct {
	Echo     EchoHandler
	Query    QueryHandler
	Start    StartHandler
	Complete CompleteHandler
	Store    StoreHandler
}

// Server accepts modality associations on a TCP listener. Each accepted
// connection runs in its own goroutine so a session blocked on a slow store
// call never stalls a sibling.
type Server struct {
	AETitle     string
	Dispatch    *Dispatcher
	IdleTimeout time.Duration // per-frame read deadline
	GracePeriod time.Duration // drain window on shutdown
	Out         io.Writer

	mu       sync.Mutex
	sessions map[net.Conn]struct{}
}

const (
	defaultIdleTimeout = 2 * time.Minute
	defaultGracePeriod = 5 * time.Second
)

// Serve accepts associations until ctx is cancelled, then gives in-flight
// sessions GracePeriod to finish before closing them; an aborted session
// sees a processing-failure reply if it is mid-command.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if s.Dispatch == nil {
		return fmt.Errorf("dimse: dispatcher is required")
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = defaultGracePeriod
	}
	if s.Out == nil {
		s.Out = io.Discard
	}
	s.sessions = make(map[net.Conn]struct{})

	fmt.Fprintf(s.Out, "Listening with AET=%s on %s\n", s.AETitle, lis.Addr())

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("dimse: accept: %v", err)
			continue
		}

		s.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.session(ctx, conn)
		}()
	}

	// Drain in-flight sessions, then force-close stragglers.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(s.GracePeriod):
		s.mu.Lock()
		for c := range s.sessions {
			c.Close()
		}
		s.mu.Unlock()
		<-done
	}

	fmt.Fprintf(s.Out, "AET=%s stopped\n", s.AETitle)
	return nil
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.sessions[conn] = struct{}{}
	} else {
		delete(s.sessions, conn)
	}
}

// session runs one association to completion. A handler failure terminates
// only this session, never the server.
func (s *Server) session(ctx context.Context, conn net.Conn) {
	r := bufio.NewReaderSize(conn, 1<<20)
	enc := json.NewEncoder(conn)

	req, err := s.readFrame(r, conn)
	if err != nil {
		return
	}
	if req.Kind != KindAssociate {
		enc.Encode(Reply{Status: StatusCannotUnderstand, Message: "association required"})
		return
	}
	if req.CalledAET != s.AETitle {
		enc.Encode(Reply{Status: StatusCannotUnderstand,
			Message: fmt.Sprintf("called AET %q not recognized", req.CalledAET)})
		return
	}
	callingAET := req.CallingAET
	if err := enc.Encode(Reply{Status: StatusSuccess, Message: "association accepted"}); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			enc.Encode(Reply{Status: StatusProcessingFailure, Message: "shutting down"})
			return
		}

		req, err := s.readFrame(r, conn)
		if err != nil {
			return
		}

		switch req.Kind {
		case KindRelease:
			enc.Encode(Reply{Status: StatusSuccess})
			return

		case KindEcho:
			if s.Dispatch.Echo == nil {
				enc.Encode(Reply{Status: StatusCannotUnderstand})
				continue
			}
			enc.Encode(Reply{Status: s.Dispatch.Echo.OnEcho(ctx, callingAET)})

		case KindFind:
			s.handleFind(ctx, enc, req)

		case KindStart:
			if s.Dispatch.Start == nil {
				enc.Encode(Reply{Status: StatusCannotUnderstand})
				continue
			}
			st := s.Dispatch.Start.OnStart(ctx, req.AccessionNumber, req.ReportedStatus, req.PerformedStepUID)
			enc.Encode(Reply{Status: st})

		case KindComplete:
			if s.Dispatch.Complete == nil {
				enc.Encode(Reply{Status: StatusCannotUnderstand})
				continue
			}
			st := s.Dispatch.Complete.OnComplete(ctx, req.AccessionNumber, req.ReportedStatus, req.PerformedStepUID)
			enc.Encode(Reply{Status: st})

		case KindStore:
			s.handleStore(ctx, enc, callingAET, req)

		default:
			enc.Encode(Reply{Status: StatusCannotUnderstand,
				Message: fmt.Sprintf("unknown command %q", req.Kind)})
		}
	}
}

func (s *Server) handleFind(ctx context.Context, enc *json.Encoder, req *Request) {
	if s.Dispatch.Query == nil {
		enc.Encode(Reply{Status: StatusCannotUnderstand})
		return
	}

	var pushErr error
	push := func(item map[string]string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(Reply{Status: StatusPending, Item: item}); err != nil {
			pushErr = err
			return err
		}
		return nil
	}

	st := s.Dispatch.Query.OnQuery(ctx, req.Keys, push)
	if pushErr != nil {
		return
	}
	if ctx.Err() != nil && st == StatusSuccess {
		st = StatusCancelled
	}
	enc.Encode(Reply{Status: st})
}

func (s *Server) handleStore(ctx context.Context, enc *json.Encoder, callingAET string, req *Request) {
	if s.Dispatch.Store == nil {
		enc.Encode(Reply{Status: StatusCannotUnderstand})
		return
	}
	if req.Instance == nil {
		enc.Encode(Reply{Status: StatusMissingAttribute, Message: "instance header required"})
		return
	}

	body, err := decodeBody(req.Body)
	if err != nil {
		enc.Encode(Reply{Status: StatusCannotUnderstand, Message: "body is not valid base64"})
		return
	}

	st := s.Dispatch.Store.OnStore(ctx, callingAET, req.Instance, body)
	enc.Encode(Reply{Status: st})
}

// readFrame reads one newline-delimited JSON frame under the idle deadline.
func (s *Server) readFrame(r *bufio.Reader, conn net.Conn) (*Request, error) {
	conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("dimse: bad frame: %w", err)
	}
	return &req, nil
}
