package cometd

// Replay is the replay extension for a single channel: on that channel's subscribe
// message it adds ext.replay = {channel: from}. It is a value; Advance returns a copy.
type Replay struct {
	Channel string
	From    int64
}

func (r Replay) Advance(pos int64) Replay {
	r.From = pos
	return r
}

// apply decorates m when it subscribes r.Channel and leaves every other message untouched.
func (r Replay) apply(m *Message) {
	if m.Channel != metaSubscribe || m.Subscription != r.Channel || r.Channel == "" {
		return
	}
	if m.Ext == nil {
		m.Ext = map[string]any{}
	}
	m.Ext["replay"] = map[string]int64{r.Channel: r.From}
}
