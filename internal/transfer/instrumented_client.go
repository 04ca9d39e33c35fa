package transfer

import (
	"context"

	"github.com/italolelis/model_downloader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	*Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented artifact client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		Client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Probe probes the artifact with telemetry.
func (c *InstrumentedClient) Probe(ctx context.Context, name string) (*FileInfo, error) {
	var result *FileInfo

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "probe", func(ctx context.Context) error {
		result, err = c.Client.Probe(ctx, name)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Fetch opens the artifact body with telemetry. Only opening the response is measured.
func (c *InstrumentedClient) Fetch(ctx context.Context, name string, offset int64) (*Response, error) {
	var result *Response

	var err error

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch", func(ctx context.Context) error {
		result, err = c.Client.Fetch(ctx, name, offset)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
