package platform

import (
	"context"
	"fmt"
)

type insertResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []any  `json:"errors"`
}

// Publisher inserts sObject records, which is how platform events are published.
type Publisher struct{ c *Client }

func NewPublisher(c *Client) *Publisher { return &Publisher{c: c} }

func (p *Publisher) Publish(ctx context.Context, sobject string, fields map[string]any) error {
	var res insertResult
	if err := p.c.doJSON(ctx, "POST", p.c.dataURL("/sobjects/"+sobject+"/"), fields, &res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("insert %s rejected: %v", sobject, res.Errors)
	}
	return nil
}

