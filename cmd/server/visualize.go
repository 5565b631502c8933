package main

import (
	"encoding/json"
	"net/http"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/dag"
)

// visualizeRequest is the §6.2 POST /api/visualize body: a bare steps
// list, since rendering a DAG needs no payload or queue bookkeeping.
type visualizeRequest struct {
	Steps []core.Step `json:"steps"`
}

type visualizeNode struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

type visualizeEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type visualizeResponse struct {
	Nodes []visualizeNode `json:"nodes"`
	Edges []visualizeEdge `json:"edges"`
}

// handleVisualize renders a job's dependsOn graph as nodes/edges,
// reusing dag.Validate for id synthesis and cycle detection rather than
// duplicating that logic — §6.2 notes this endpoint is "unrelated to
// core semantics" but it still shouldn't lie about an invalid graph.
func handleVisualize(w http.ResponseWriter, r *http.Request) {
	var req visualizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	steps, err := dag.Validate(req.Steps)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := visualizeResponse{
		Nodes: make([]visualizeNode, 0, len(steps)),
		Edges: make([]visualizeEdge, 0, len(steps)),
	}
	for _, s := range steps {
		resp.Nodes = append(resp.Nodes, visualizeNode{ID: s.ID, Task: s.Task})
		for _, dep := range s.DependsOn {
			resp.Edges = append(resp.Edges, visualizeEdge{From: dep, To: s.ID})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
