package boundary

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"assay/internal/pipeline"
	"assay/internal/protocol"
)

// Client provides a worker's RPC access to its run's boundary server.
type Client struct {
	runID  string
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the announce address of the given run.
func Dial(address, runID string) (*Client, error) {
	conn, err := net.DialTimeout("unix", address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{runID: runID, conn: conn, client: rpcClient}, nil
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

func (c *Client) envelope(kind protocol.Kind) protocol.Envelope {
	return protocol.Envelope{RunID: c.runID, Kind: kind}
}

// PipelinePreferences fetches the run's pipeline snapshot and preferences.
func (c *Client) PipelinePreferences() (*protocol.PipelinePreferencesReply, error) {
	var reply protocol.PipelinePreferencesReply
	if err := c.client.Call("Analysis.PipelinePreferences", c.envelope(protocol.KindPipelinePreferences), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// InitialMeasurements fetches the initial-measurements payload.
func (c *Client) InitialMeasurements() (*protocol.InitialMeasurementsReply, error) {
	var reply protocol.InitialMeasurementsReply
	if err := c.client.Call("Analysis.InitialMeasurements", c.envelope(protocol.KindInitialMeasurements), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// RequestWork asks for the next unit of work.
func (c *Client) RequestWork() (*protocol.WorkReply, error) {
	var reply protocol.WorkReply
	if err := c.client.Call("Analysis.Work", c.envelope(protocol.KindWork), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ReportImageSetSuccess reports a completed unit of work. Dictionaries must
// be attached exactly when the work item carried the wants-dictionary flag.
func (c *Client) ReportImageSetSuccess(imageSets []int, dicts pipeline.Dictionaries) (*protocol.Ack, error) {
	env := c.envelope(protocol.KindImageSetSuccess)
	env.ImageSetNumbers = imageSets
	env.Dictionaries = dicts
	env.HasDictionaries = dicts != nil
	var reply protocol.Ack
	if err := c.client.Call("Analysis.ImageSetSuccess", env, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SharedDictionaries fetches the shared-dictionary snapshot.
func (c *Client) SharedDictionaries() (*protocol.SharedDictionaryReply, error) {
	var reply protocol.SharedDictionaryReply
	if err := c.client.Call("Analysis.SharedDictionary", c.envelope(protocol.KindSharedDictionary), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ReportMeasurements delivers a partial-result payload for a unit of work.
// The call blocks while the coordinator's merge queue is full.
func (c *Client) ReportMeasurements(imageSets []int, buf []byte) (*protocol.Ack, error) {
	env := c.envelope(protocol.KindMeasurementsReport)
	env.ImageSetNumbers = imageSets
	env.Buf = buf
	var reply protocol.Ack
	if err := c.client.Call("Analysis.MeasurementsReport", env, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Forward sends an interactive, display, exception, or debug request and
// waits for the sink-owned reply.
func (c *Client) Forward(kind protocol.Kind, imageSets []int, detail map[string]string) (*protocol.SinkReply, error) {
	env := c.envelope(kind)
	env.ImageSetNumbers = imageSets
	env.Detail = detail
	var reply protocol.SinkReply
	if err := c.client.Call("Analysis.Forward", env, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
