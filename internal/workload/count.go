package workload

import (
	"encoding/json"
	"errors"

	"stepwise/internal/incremental"
	logx "stepwise/pkg/logx"
)

func init() { register("count", countKind{}) }

// CountParams configures the count workload: it sums start, start+step, ...
// while the value is short of limit.
type CountParams struct {
	Start int `json:"start"`
	Limit int `json:"limit"`
	Step  int `json:"step"`
}

func (p CountParams) withDefaults() CountParams {
	if p.Step == 0 {
		p.Step = 1
	}
	return p
}

type countKind struct{}

func (countKind) params(raw json.RawMessage) (CountParams, error) {
	var p CountParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	p = p.withDefaults()
	if (p.Step > 0 && p.Limit < p.Start) || (p.Step < 0 && p.Limit > p.Start) {
		return p, errors.New("params: step moves away from limit")
	}
	return p, nil
}

func (k countKind) validate(raw json.RawMessage) error {
	_, err := k.params(raw)
	return err
}

func (k countKind) build(def Definition, env Env) (built, error) {
	p, err := k.params(def.Params)
	if err != nil {
		return built{}, err
	}
	c := &counter{}
	opts := append(env.loopOptions(def), incremental.WithHooks(incremental.Hooks{
		LoopFinished: func(interrupted bool) {
			env.Log.Info("count finished",
				logx.String("workload", def.Name),
				logx.Int64("sum", c.Sum),
				logx.Int("terms", c.Terms),
				logx.Bool("interrupted", interrupted),
			)
		},
	}))
	f, err := incremental.NewForLoop(p.Start, p.Limit, p.Step, c.add, opts...)
	if err != nil {
		return built{}, err
	}
	return built{loop: f.Loop, cmd: f, result: func() any { return c.CountResult }}, nil
}

// CountResult is the outcome of a count run.
type CountResult struct {
	Sum   int64 `json:"sum"`
	Terms int   `json:"terms"`
}

type counter struct{ CountResult }

func (c *counter) add(i int) error {
	c.Sum += int64(i)
	c.Terms++
	return nil
}
