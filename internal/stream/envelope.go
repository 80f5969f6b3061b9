package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	jmes "github.com/jmespath/go-jmespath"
)

// FieldName qualifies a custom field with the tenant namespace: Data__c or ns__Data__c.
func FieldName(base, namespace string) string {
	if namespace == "" {
		return base
	}
	return namespace + "__" + base
}

// envelope holds the compiled lookups for one namespace.
type envelope struct {
	orgID    *jmes.JMESPath
	data     *jmes.JMESPath
	isActive *jmes.JMESPath
}

var (
	envelopesMu sync.Mutex
	envelopes   = map[string]*envelope{}
)

func envelopeFor(namespace string) *envelope {
	envelopesMu.Lock()
	defer envelopesMu.Unlock()
	if e, ok := envelopes[namespace]; ok {
		return e
	}
	e := &envelope{
		orgID: jmes.MustCompile(payloadPath(FieldName("OrgId__c", namespace))),
		data:  jmes.MustCompile(payloadPath(FieldName("Data__c", namespace))),
		// the control channel flag is never namespaced
		isActive: jmes.MustCompile(payloadPath("IsActive__c")),
	}
	envelopes[namespace] = e
	return e
}

func payloadPath(field string) string {
	b, _ := json.Marshal(field)
	return "payload." + string(b)
}

// fields is the decoded, typed part of an event payload.
type fields struct {
	OrgID    string
	Data     any
	IsActive bool
}

// decode extracts the tenant id, data field and active flag. A missing tenant id is an
// error; whether the data field is required depends on the event.
func decode(data any, namespace string) (fields, error) {
	e := envelopeFor(namespace)
	var f fields
	v, err := e.orgID.Search(data)
	if err != nil {
		return f, err
	}
	f.OrgID, _ = v.(string)
	if f.OrgID == "" {
		return f, fmt.Errorf("payload has no %s", FieldName("OrgId__c", namespace))
	}
	if f.Data, err = e.data.Search(data); err != nil {
		return f, err
	}
	if v, err := e.isActive.Search(data); err == nil {
		f.IsActive = truthy(v)
	}
	return f, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}

// dataString renders the data field as text; connection info arrives as a JSON string
// but an already-decoded object is accepted too.
func dataString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
