package checkpoint

// Usage holds cumulative token counters.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ReasoningTokens   int64 `json:"reasoning_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	TotalTokens       int64 `json:"total_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + o.InputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens + o.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
		TotalTokens:       u.TotalTokens + o.TotalTokens,
	}
}

// Sub returns the field-wise difference u - o.
func (u Usage) Sub(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens - o.InputTokens,
		OutputTokens:      u.OutputTokens - o.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens - o.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens - o.CachedInputTokens,
		TotalTokens:       u.TotalTokens - o.TotalTokens,
	}
}

// IsZero reports whether every counter is zero.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// SumUsage adds every usage onto base.
func SumUsage(base Usage, others ...Usage) Usage {
	for _, o := range others {
		base = base.Add(o)
	}
	return base
}
