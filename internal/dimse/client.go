package dimse

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// decodeBody decodes the base64 body of a store frame. Empty bodies are
// permitted (zero-length objects round-trip).
func decodeBody(body string) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(body)
}

// Client is a minimal association client, used by the gateway's own tooling
// and tests. One Client is one association; not safe for concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

// Dial opens a TCP connection and negotiates an association.
func Dial(addr, callingAET, calledAET string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dimse: dial %s: %w", addr, err)
	}
	c := &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 1<<20),
		enc:  json.NewEncoder(conn),
	}

	reply, err := c.roundTrip(&Request{
		Kind:       KindAssociate,
		CallingAET: callingAET,
		CalledAET:  calledAET,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Status != StatusSuccess {
		conn.Close()
		return nil, fmt.Errorf("dimse: association rejected: %s", reply.Message)
	}
	return c, nil
}

// Echo sends a verification ping.
func (c *Client) Echo() (Status, error) {
	reply, err := c.roundTrip(&Request{Kind: KindEcho})
	if err != nil {
		return 0, err
	}
	return reply.Status, nil
}

// Find runs a worklist query and collects every pending match until the
// terminal status arrives.
func (c *Client) Find(keys map[string]string) ([]map[string]string, Status, error) {
	if err := c.send(&Request{Kind: KindFind, Keys: keys}); err != nil {
		return nil, 0, err
	}

	var items []map[string]string
	for {
		reply, err := c.recv()
		if err != nil {
			return items, 0, err
		}
		if reply.Status == StatusPending {
			items = append(items, reply.Item)
			continue
		}
		return items, reply.Status, nil
	}
}

// Start reports a procedure-started event.
func (c *Client) Start(accession, performedUID string) (Status, error) {
	reply, err := c.roundTrip(&Request{
		Kind:             KindStart,
		AccessionNumber:  accession,
		ReportedStatus:   "IN PROGRESS",
		PerformedStepUID: performedUID,
	})
	if err != nil {
		return 0, err
	}
	return reply.Status, nil
}

// Complete reports the end of a procedure; reportedStatus is COMPLETED or
// DISCONTINUED.
func (c *Client) Complete(accession, reportedStatus, performedUID string) (Status, error) {
	reply, err := c.roundTrip(&Request{
		Kind:             KindComplete,
		AccessionNumber:  accession,
		ReportedStatus:   reportedStatus,
		PerformedStepUID: performedUID,
	})
	if err != nil {
		return 0, err
	}
	return reply.Status, nil
}

// Store transfers one image instance.
func (c *Client) Store(meta *InstanceMeta, body []byte) (Status, error) {
	reply, err := c.roundTrip(&Request{
		Kind:     KindStore,
		Instance: meta,
		Body:     base64.StdEncoding.EncodeToString(body),
	})
	if err != nil {
		return 0, err
	}
	return reply.Status, nil
}

// Release ends the association and closes the connection.
func (c *Client) Release() error {
	defer c.conn.Close()
	if _, err := c.roundTrip(&Request{Kind: KindRelease}); err != nil {
		return err
	}
	return nil
}

// Close tears the connection down without a release handshake.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) send(req *Request) error {
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("dimse: send: %w", err)
	}
	return nil
}

func (c *Client) recv() (*Reply, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("dimse: recv: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, fmt.Errorf("dimse: bad reply: %w", err)
	}
	return &reply, nil
}

func (c *Client) roundTrip(req *Request) (*Reply, error) {
	if err := c.send(req); err != nil {
		return nil, err
	}
	return c.recv()
}
