// Copyright (C) The Screenassoc Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screenassoc

import (
	"bufio"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
)

// InteractionGraph is an undirected, unweighted graph of gene
// identifiers.
type InteractionGraph struct {
	g   *simple.UndirectedGraph
	ids map[string]int64
}

func NewInteractionGraph() *InteractionGraph {
	return &InteractionGraph{g: simple.NewUndirectedGraph(), ids: map[string]int64{}}
}

func (ig *InteractionGraph) node(name string) int64 {
	id, ok := ig.ids[name]
	if !ok {
		id = int64(len(ig.ids))
		ig.ids[name] = id
		ig.g.AddNode(simple.Node(id))
	}
	return id
}

// AddEdge adds an undirected edge, creating nodes as needed.
// Self-loops add the node but no edge.
func (ig *InteractionGraph) AddEdge(a, b string) {
	ida, idb := ig.node(a), ig.node(b)
	if ida == idb {
		return
	}
	ig.g.SetEdge(ig.g.NewEdge(simple.Node(ida), simple.Node(idb)))
}

// Has reports whether name is a node of the graph.
func (ig *InteractionGraph) Has(name string) bool {
	_, ok := ig.ids[name]
	return ok
}

func (ig *InteractionGraph) Nodes() int { return len(ig.ids) }

func (ig *InteractionGraph) Edges() int { return ig.g.Edges().Len() }

// distancesFrom returns the hop count from the nearest source to every
// node reachable from any source, by breadth-first search expanding
// from all sources at once. Sources not in the graph are ignored.
func (ig *InteractionGraph) distancesFrom(sources []string) map[int64]int {
	dist := map[int64]int{}
	var queue []int64
	for _, s := range sources {
		id, ok := ig.ids[s]
		if !ok {
			continue
		}
		if _, seen := dist[id]; !seen {
			dist[id] = 0
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		next := dist[id] + 1
		for it := ig.g.From(id); it.Next(); {
			nid := it.Node().ID()
			if _, seen := dist[nid]; !seen {
				dist[nid] = next
				queue = append(queue, nid)
			}
		}
	}
	return dist
}

// ReadGraph reads an edge list: one edge per line, two gene IDs
// separated by a tab, comma or spaces. Blank lines and lines starting
// with "#" are ignored.
func ReadGraph(r io.Reader) (*InteractionGraph, error) {
	ig := NewInteractionGraph()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool { return r == '\t' || r == ',' || r == ' ' })
		if len(fields) < 2 {
			return nil, fmt.Errorf("graph line %d: expected 2 fields, got %d", line, len(fields))
		}
		ig.AddEdge(fields[0], fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"nodes": ig.Nodes(), "edges": ig.Edges()}).Info("read interaction graph")
	return ig, nil
}

// CuratedTargetMap maps a response ID to the set of genes curated as
// its direct targets.
type CuratedTargetMap map[string]map[string]bool

// ReadTargets reads lines of the form "response<TAB>gene1;gene2;...".
// Responses listed more than once accumulate targets. Blank lines and
// lines starting with "#" are ignored.
func ReadTargets(r io.Reader) (CuratedTargetMap, error) {
	ctm := CuratedTargetMap{}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.SplitN(text, "\t", 2)
		if len(fields) < 2 {
			return nil, fmt.Errorf("targets line %d: expected response<TAB>targets", line)
		}
		rid := strings.TrimSpace(fields[0])
		for _, gene := range strings.Split(fields[1], ";") {
			gene = strings.TrimSpace(gene)
			if gene == "" {
				continue
			}
			if ctm[rid] == nil {
				ctm[rid] = map[string]bool{}
			}
			ctm[rid][gene] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	log.Infof("read curated targets for %d responses", len(ctm))
	return ctm, nil
}

// Annotator fills in Record.Distance.
type Annotator struct {
	Graph   *InteractionGraph
	Targets CuratedTargetMap
	Threads int
}

// Annotate returns a copy of records with Distance set:
//   - 0 if the predictor is a curated target of the response;
//   - NotAnnotated if the response has no curated targets;
//   - Undefined if the predictor, or every target, is not in the graph;
//   - Unreachable if no path connects them;
//   - otherwise the shortest path length to the nearest target.
func (a Annotator) Annotate(records []Record) []Record {
	out := append([]Record(nil), records...)
	graph := a.Graph
	if graph == nil {
		graph = NewInteractionGraph()
	}
	byResponse := map[string][]int{}
	var responses []string
	for i, r := range out {
		if _, ok := byResponse[r.ResponseID]; !ok {
			responses = append(responses, r.ResponseID)
		}
		byResponse[r.ResponseID] = append(byResponse[r.ResponseID], i)
	}
	sort.Strings(responses)

	start := time.Now()
	threads := a.Threads
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	thr := throttle{Max: threads}
	for _, rid := range responses {
		rid := rid
		thr.Go(func() error {
			targets := a.Targets[rid]
			idxs := byResponse[rid]
			if len(targets) == 0 {
				for _, i := range idxs {
					out[i].Distance = Distance{Kind: NotAnnotated}
				}
				return nil
			}
			var sources []string
			for gene := range targets {
				if graph.Has(gene) {
					sources = append(sources, gene)
				}
			}
			var dist map[int64]int
			if len(sources) > 0 {
				dist = graph.distancesFrom(sources)
				metricBFSRuns.Inc()
			}
			for _, i := range idxs {
				pid := out[i].PredictorID
				switch {
				case targets[pid]:
					out[i].Distance = Distance{Kind: Finite, Hops: 0}
				case len(sources) == 0 || !graph.Has(pid):
					out[i].Distance = Distance{Kind: Undefined}
				default:
					if d, ok := dist[graph.ids[pid]]; ok {
						out[i].Distance = Distance{Kind: Finite, Hops: d}
					} else {
						out[i].Distance = Distance{Kind: Unreachable}
					}
				}
			}
			return nil
		})
	}
	thr.Wait()
	metricStageSeconds.WithLabelValues("annotate").Observe(time.Since(start).Seconds())
	log.WithFields(log.Fields{
		"responses": len(responses),
		"annotated": len(a.Targets),
	}).Info("network annotation done")
	return out
}
