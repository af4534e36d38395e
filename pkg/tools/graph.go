package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// GraphClient is the remote knowledge-graph collaborator used when the
// service runs in API graph mode.
type GraphClient interface {
	Retrieve(ctx context.Context, ac *auth.AuthContext, graphName, query string) (string, error)
}

type knowledgeGraphQueryArgs struct {
	GraphName  string   `json:"graph_name" jsonschema:"description=Name of the graph to query"`
	QueryType  string   `json:"query_type" jsonschema:"description=Kind of graph query,enum=entity,enum=path,enum=subgraph,enum=list_entities"`
	StartNodes []string `json:"start_nodes,omitempty" jsonschema:"description=Entity labels or ids the query starts from"`
	MaxDepth   int      `json:"max_depth,omitempty" jsonschema:"description=Traversal depth bound,default=3"`
}

func knowledgeGraphQueryTool(store database.Store) Tool {
	return Tool{
		Name:        "knowledge_graph_query",
		Description: "Query a locally stored knowledge graph: look up entities, find paths, expand subgraphs or list all entities.",
		Schema:      schemaFor(&knowledgeGraphQueryArgs{}),
		Available:   func(o Options) bool { return o.GraphMode == GraphModeLocal },
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args knowledgeGraphQueryArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.GraphName == "" {
				return Result{}, fmt.Errorf("graph_name is required")
			}
			if args.MaxDepth <= 0 {
				args.MaxDepth = 3
			}

			graph, err := store.GetGraph(ctx, inv.Auth, args.GraphName)
			if err != nil {
				return Result{}, err
			}

			switch args.QueryType {
			case "list_entities":
				return TextResult(renderEntityList(graph)), nil
			case "entity":
				return entityLookup(graph, args.StartNodes)
			case "path":
				return pathQuery(graph, args.StartNodes, args.MaxDepth)
			case "subgraph":
				return subgraphQuery(graph, args.StartNodes, args.MaxDepth)
			default:
				return Result{}, fmt.Errorf("unknown query type %q", args.QueryType)
			}
		},
	}
}

func renderEntityList(graph *models.Graph) string {
	if len(graph.Entities) == 0 {
		return fmt.Sprintf("Graph %s has no entities.", graph.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Entities in graph %s:\n", graph.Name)
	for _, e := range graph.Entities {
		fmt.Fprintf(&b, "- %s (%s)\n", e.Label, e.Type)
	}
	return b.String()
}

// findEntity matches by id first, then case-insensitively by label.
func findEntity(graph *models.Graph, key string) *models.Entity {
	for i := range graph.Entities {
		if graph.Entities[i].ID == key {
			return &graph.Entities[i]
		}
	}
	for i := range graph.Entities {
		if strings.EqualFold(graph.Entities[i].Label, key) {
			return &graph.Entities[i]
		}
	}
	return nil
}

func entityLookup(graph *models.Graph, keys []string) (Result, error) {
	if len(keys) == 0 {
		return Result{}, fmt.Errorf("start_nodes is required for entity queries")
	}
	var b strings.Builder
	for _, key := range keys {
		entity := findEntity(graph, key)
		if entity == nil {
			fmt.Fprintf(&b, "Entity %q not found in graph %s.\n", key, graph.Name)
			continue
		}
		raw, err := json.MarshalIndent(entity, "", "  ")
		if err != nil {
			return Result{}, fmt.Errorf("render entity: %w", err)
		}
		b.Write(raw)
		b.WriteString("\n")
	}
	return TextResult(b.String()), nil
}

// adjacency builds an undirected edge map keyed by entity id.
func adjacency(graph *models.Graph) map[string][]models.Relationship {
	adj := make(map[string][]models.Relationship)
	for _, rel := range graph.Relationships {
		adj[rel.SourceID] = append(adj[rel.SourceID], rel)
		adj[rel.TargetID] = append(adj[rel.TargetID], rel)
	}
	return adj
}

func pathQuery(graph *models.Graph, keys []string, maxDepth int) (Result, error) {
	if len(keys) < 2 {
		return Result{}, fmt.Errorf("path queries need two start_nodes")
	}
	from := findEntity(graph, keys[0])
	to := findEntity(graph, keys[1])
	if from == nil || to == nil {
		return TextResult("One or both entities were not found in the graph."), nil
	}

	adj := adjacency(graph)
	labels := make(map[string]string, len(graph.Entities))
	for _, e := range graph.Entities {
		labels[e.ID] = e.Label
	}

	// BFS keeping the first (shortest) path within the depth bound.
	type node struct {
		id   string
		path []string
	}
	visited := map[string]bool{from.ID: true}
	queue := []node{{id: from.ID, path: []string{from.Label}}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.id == to.ID {
			return TextResult("Path: " + strings.Join(cur.path, " -> ")), nil
		}
		if len(cur.path) > maxDepth {
			continue
		}
		for _, rel := range adj[cur.id] {
			next := rel.TargetID
			if next == cur.id {
				next = rel.SourceID
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			step := fmt.Sprintf("[%s] %s", rel.Type, labels[next])
			queue = append(queue, node{id: next, path: append(append([]string{}, cur.path...), step)})
		}
	}
	return TextResult(fmt.Sprintf("No path between %s and %s within depth %d.", from.Label, to.Label, maxDepth)), nil
}

func subgraphQuery(graph *models.Graph, keys []string, maxDepth int) (Result, error) {
	if len(keys) == 0 {
		return Result{}, fmt.Errorf("start_nodes is required for subgraph queries")
	}
	start := findEntity(graph, keys[0])
	if start == nil {
		return TextResult(fmt.Sprintf("Entity %q not found in graph %s.", keys[0], graph.Name)), nil
	}

	adj := adjacency(graph)
	labels := make(map[string]string, len(graph.Entities))
	for _, e := range graph.Entities {
		labels[e.ID] = e.Label
	}

	depth := map[string]int{start.ID: 0}
	queue := []string{start.ID}
	var edges []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if depth[cur] >= maxDepth {
			continue
		}
		for _, rel := range adj[cur] {
			next := rel.TargetID
			if next == cur {
				next = rel.SourceID
			}
			edges = append(edges, fmt.Sprintf("%s -[%s]-> %s", labels[rel.SourceID], rel.Type, labels[rel.TargetID]))
			if _, seen := depth[next]; !seen {
				depth[next] = depth[cur] + 1
				queue = append(queue, next)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subgraph around %s (depth %d): %d entities\n", start.Label, maxDepth, len(depth))
	seen := map[string]bool{}
	for _, edge := range edges {
		if seen[edge] {
			continue
		}
		seen[edge] = true
		b.WriteString(edge)
		b.WriteString("\n")
	}
	return TextResult(b.String()), nil
}

type graphAPIRetrieveArgs struct {
	Query     string `json:"query" jsonschema:"description=Natural language question for the graph service"`
	GraphName string `json:"graph_name,omitempty" jsonschema:"description=Name of the graph to query"`
}

func graphAPIRetrieveTool(client GraphClient) Tool {
	return Tool{
		Name:        "graph_api_retrieve",
		Description: "Ask the remote knowledge-graph service a question about a graph.",
		Schema:      schemaFor(&graphAPIRetrieveArgs{}),
		Available:   func(o Options) bool { return o.GraphMode == GraphModeAPI },
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			var args graphAPIRetrieveArgs
			if err := decodeArgs(inv.Args, &args); err != nil {
				return Result{}, err
			}
			if args.Query == "" {
				return Result{}, fmt.Errorf("query is required")
			}
			answer, err := client.Retrieve(ctx, inv.Auth, args.GraphName, args.Query)
			if err != nil {
				return Result{}, err
			}
			return TextResult(answer), nil
		},
	}
}

type listGraphsArgs struct{}

func listGraphsTool(store database.Store) Tool {
	return Tool{
		Name:        "list_graphs",
		Description: "List the knowledge graphs visible to the caller.",
		Schema:      schemaFor(&listGraphsArgs{}),
		Handler: func(ctx context.Context, inv *Invocation) (Result, error) {
			graphs, err := store.ListGraphs(ctx, inv.Auth)
			if err != nil {
				return Result{}, err
			}
			if len(graphs) == 0 {
				return TextResult("No graphs found."), nil
			}
			var b strings.Builder
			for _, g := range graphs {
				fmt.Fprintf(&b, "- %s (%d entities, %d relationships)\n", g.Name, len(g.Entities), len(g.Relationships))
			}
			return TextResult(b.String()), nil
		},
	}
}
