// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xfer

import (
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
)

// LinkPlan is the result of a successful Link: the original elements, each
// with SetMechanism already called, plus the glue elements the linker had
// to splice in between them. Glues is keyed by the index of the element it
// follows (glue sits between Elements[i] and Elements[i+1]).
type LinkPlan struct {
	Elements []Element
	Glues    map[int]*Glue
}

// Ordered returns the full chain in wire order, glue elements interleaved
// where the linker inserted them.
func (p *LinkPlan) Ordered() []Element {
	out := make([]Element, 0, len(p.Elements)+len(p.Glues))
	for i, e := range p.Elements {
		out = append(out, e)
		if g, ok := p.Glues[i]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Linker resolves a chain of elements (source, filters..., destination)
// into a concrete mechanism assignment, inserting Glue wherever two
// neighbours don't share a directly compatible mechanism. It performs a
// recursive least-cost search exactly as spec.md §4.7 describes: at each
// boundary, every (direct match, glued match) branch is explored and the
// cheapest total is kept.
type Linker struct {
	logger        *slog.Logger
	threadPenalty int
}

// NewLinker creates a linker. Call AutoExtraThreads to bias the cost
// function away from thread-heavy glue chains on constrained hosts.
func NewLinker(logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{logger: logger}
}

// AutoExtraThreads consults the host's CPU count via gopsutil and, on
// hosts with two or fewer logical CPUs, penalizes extra_threads in the
// cost function so the linker prefers lazy (thread-free) glue modes over
// buffering ones when both are otherwise viable.
func (l *Linker) AutoExtraThreads() error {
	counts, err := cpu.Counts(true)
	if err != nil {
		return fmt.Errorf("linker: cpu.Counts: %w", err)
	}
	if counts <= 2 {
		l.threadPenalty = 4
	} else {
		l.threadPenalty = 0
	}
	return nil
}

func (l *Linker) score(p MechPair) int {
	return p.Cost() + l.threadPenalty*int(p.ExtraThreads)
}

type searchResult struct {
	cost    int
	choices []MechPair     // per-element chosen pair, len == len(elements)-idx
	glues   map[int]MechPair // glue pair chosen before elements[idx+offset], keyed by offset
	ok      bool
}

// Link searches the chain and returns a LinkPlan, or an error if no
// mechanism assignment connects source to destination at all (e.g. an
// element only supports mechanisms no neighbour and no glue mode bridges).
func (l *Linker) Link(elements []Element) (*LinkPlan, error) {
	if len(elements) < 2 {
		return nil, fmt.Errorf("linker: need at least a source and a destination")
	}

	type memoKey struct {
		idx int
		in  Mechanism
	}
	memo := make(map[memoKey]searchResult)

	gluePairs := (&Glue{}).MechPairs()

	var search func(idx int, in Mechanism) searchResult
	search = func(idx int, in Mechanism) searchResult {
		key := memoKey{idx, in}
		if r, ok := memo[key]; ok {
			return r
		}

		isLast := idx == len(elements)-1
		best := searchResult{cost: -1}

		// A glue considered here, if any, bridges `in` (whatever elements[idx-1]
		// produced) into elements[idx]'s actual Input, so it sits at absolute
		// boundary idx-1 (between Elements[idx-1] and Elements[idx]).
		tryPair := func(p MechPair, glue *MechPair, glueCost int) {
			if isLast {
				if p.Output != MechNone {
					return
				}
				total := glueCost + l.score(p)
				if best.cost == -1 || total < best.cost {
					r := searchResult{cost: total, choices: []MechPair{p}, ok: true, glues: map[int]MechPair{}}
					if glue != nil {
						r.glues[idx-1] = *glue
					}
					best = r
				}
				return
			}
			rest := search(idx+1, p.Output)
			if !rest.ok {
				return
			}
			total := glueCost + l.score(p) + rest.cost
			if best.cost == -1 || total < best.cost {
				choices := append([]MechPair{p}, rest.choices...)
				glues := map[int]MechPair{}
				for k, v := range rest.glues {
					glues[k] = v
				}
				if glue != nil {
					glues[idx-1] = *glue
				}
				best = searchResult{cost: total, choices: choices, glues: glues, ok: true}
			}
		}

		for _, p := range elements[idx].MechPairs() {
			if p.Input == in {
				tryPair(p, nil, 0)
			}
		}
		for _, gp := range gluePairs {
			if gp.Input != in {
				continue
			}
			for _, p := range elements[idx].MechPairs() {
				if p.Input == gp.Output {
					g := gp
					tryPair(p, &g, l.score(gp))
				}
			}
		}

		memo[key] = best
		return best
	}

	result := search(0, MechNone)
	if !result.ok {
		return nil, fmt.Errorf("linker: no mechanism path connects %d elements", len(elements))
	}

	plan := &LinkPlan{Elements: elements, Glues: map[int]*Glue{}}
	for i, e := range elements {
		e.SetMechanism(result.choices[i].Input, result.choices[i].Output)
	}
	for boundary, gp := range result.glues {
		g := NewGlue(l.logger)
		g.SetMechanism(gp.Input, gp.Output)
		plan.Glues[boundary] = g
	}

	// Wire neighbour links across the now-finalized chain, glue included.
	chain := plan.Ordered()
	for i, e := range chain {
		var up, down Element
		if i > 0 {
			up = chain[i-1]
		}
		if i < len(chain)-1 {
			down = chain[i+1]
		}
		e.SetNeighbors(up, down)
	}

	return plan, nil
}
