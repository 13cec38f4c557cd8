package delivery

// Stats 投递服务的累计计数，快照读取。
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Bounced uint64 `json:"bounced"`
	Retries uint64 `json:"retries"`
}

// merge 累加两份计数。
func (s Stats) merge(other Stats) Stats {
	return Stats{
		Sent:    s.Sent + other.Sent,
		Failed:  s.Failed + other.Failed,
		Bounced: s.Bounced + other.Bounced,
		Retries: s.Retries + other.Retries,
	}
}
