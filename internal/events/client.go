package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends events to a running event server.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// NewClient creates a client for the socket at sockPath.
func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: 5 * time.Second}
}

// Send delivers events over a single connection, waiting for each
// acknowledgement in turn.
func (c *Client) Send(evs ...Event) ([]Response, error) {
	conn, err := net.DialTimeout("unix", c.sockPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	responses := make([]Response, 0, len(evs))
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return responses, fmt.Errorf("marshal event: %w", err)
		}
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return responses, fmt.Errorf("write: %w", err)
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return responses, fmt.Errorf("read: %w", err)
			}
			return responses, fmt.Errorf("empty response")
		}

		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			return responses, fmt.Errorf("unmarshal response: %w", err)
		}
		if resp.Error != "" {
			return responses, fmt.Errorf("server error: %s", resp.Error)
		}
		responses = append(responses, resp)
	}
	return responses, nil
}
