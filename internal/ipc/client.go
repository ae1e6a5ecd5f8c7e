package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Unpackd.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Admit submits a new job.
func (c *Client) Admit(owner, source, kind string) (*AdmitResponse, error) {
	var resp AdmitResponse
	req := AdmitRequest{Owner: owner, Source: source, Kind: kind}
	if err := c.client.Call("Unpackd.Admit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Password supplies a password to a waiting job.
func (c *Client) Password(jobID int64, password string) (*PasswordResponse, error) {
	var resp PasswordResponse
	req := PasswordRequest{JobID: jobID, Password: password}
	if err := c.client.Call("Unpackd.Password", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests job cancellation.
func (c *Client) Cancel(jobID int64) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.client.Call("Unpackd.Cancel", CancelRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Jobs lists jobs, optionally filtered by status names.
func (c *Client) Jobs(statuses []string) (*JobsResponse, error) {
	var resp JobsResponse
	if err := c.client.Call("Unpackd.Jobs", JobsRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Describe returns one job's view with a page of members and links.
func (c *Client) Describe(jobID int64, page, pageSize int) (*DescribeResponse, error) {
	var resp DescribeResponse
	req := DescribeRequest{JobID: jobID, Page: page, PageSize: pageSize}
	if err := c.client.Call("Unpackd.Describe", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch resolves one member by index.
func (c *Client) Fetch(jobID int64, index int) (*FetchResponse, error) {
	var resp FetchResponse
	req := FetchRequest{JobID: jobID, Index: index}
	if err := c.client.Call("Unpackd.Fetch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchAll resolves every member of a completed job.
func (c *Client) FetchAll(jobID int64) (*FetchAllResponse, error) {
	var resp FetchAllResponse
	if err := c.client.Call("Unpackd.FetchAll", FetchAllRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clean reaps a delivered job's workspace immediately.
func (c *Client) Clean(jobID int64) (*CleanResponse, error) {
	var resp CleanResponse
	if err := c.client.Call("Unpackd.Clean", CleanRequest{JobID: jobID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Unpackd.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
