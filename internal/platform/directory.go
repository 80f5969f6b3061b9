package platform

import (
	"context"
	"fmt"
	"net/url"

	"orgstream/pkg/tenants"
)

const activeTenantsSOQL = "SELECT Org_Id__c, ConnectionInfo__c FROM Customer_Org_Info__c WHERE IsActive__c = true"

type queryResult struct {
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// Query runs a SOQL query and follows nextRecordsUrl until the result is complete.
func (c *Client) Query(ctx context.Context, soql string) ([]map[string]any, error) {
	next := c.dataURL("/query?q=" + url.QueryEscape(soql))
	var out []map[string]any
	for next != "" {
		var page queryResult
		if err := c.doJSON(ctx, "GET", next, nil, &page); err != nil {
			return nil, fmt.Errorf("soql query: %w", err)
		}
		out = append(out, page.Records...)
		next = ""
		if !page.Done && page.NextRecordsURL != "" {
			instance, _ := c.session()
			next = instance + page.NextRecordsURL
		}
	}
	return out, nil
}

// Directory lists active customer orgs from the Customer_Org_Info__c object.
type Directory struct{ c *Client }

func NewDirectory(c *Client) *Directory { return &Directory{c: c} }

var _ tenants.Directory = (*Directory)(nil)

func (d *Directory) ListActive(ctx context.Context) ([]tenants.Record, error) {
	rows, err := d.c.Query(ctx, activeTenantsSOQL)
	if err != nil {
		return nil, err
	}
	out := make([]tenants.Record, 0, len(rows))
	for _, r := range rows {
		id, _ := r["Org_Id__c"].(string)
		info, _ := r["ConnectionInfo__c"].(string)
		if info == "" {
			d.c.log.Warnw("directory record without connection info skipped", "org", id)
			continue
		}
		out = append(out, tenants.Record{TenantID: id, ConnectionInfo: info})
	}
	return out, nil
}
