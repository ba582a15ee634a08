// xmit/client.go

package xmit

import (
	"bufio"
	"io"
)

// Client is the puller-side handle to one transmitter session: requests
// go out over w, responses come back over r. Puller owns the underlying
// SSH channel that r and w wrap.
type Client struct {
	r *bufio.Reader
	w io.Writer
}

// NewClient wraps an SSH session's combined stdout/stdin pipes.
func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{r: bufio.NewReader(r), w: w}
}

// HashRange requests hashes for BlockID..BlockID+Count-1 and calls fn for
// each one as it arrives, in ascending block order.
func (c *Client) HashRange(req HashRequest, fn func(HashRecord) error) error {
	if err := WriteHashRequest(c.w, req); err != nil {
		return err
	}
	for {
		rec, err := ReadHashRecord(c.r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// FetchContent requests the content of exactly these block IDs and calls
// fn for each one as it arrives.
func (c *Client) FetchContent(req ContentRequest, fn func(ContentRecord) error) error {
	if err := WriteContentRequest(c.w, req); err != nil {
		return err
	}
	for {
		rec, err := ReadContentRecord(c.r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
