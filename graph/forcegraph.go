package graph

// Node and Link are the shapes a physics-based network visualization
// consumes directly.
type Node struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Group       string  `json:"group"`
	Size        float64 `json:"size"`
	Description string  `json:"description"`
}

type Link struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Thickness   float64 `json:"thickness"`
	Description string  `json:"description"`
}

type ForceGraph struct {
	Nodes []Node         `json:"nodes"`
	Links []Link         `json:"links"`
	Meta  ForceGraphMeta `json:"metadata"`
}

type ForceGraphMeta struct {
	BookID    string `json:"book_id,omitempty"`
	NodeCount int    `json:"node_count"`
	LinkCount int    `json:"link_count"`
}

// Project converts one book's graph into force-graph form. Node size scales
// with importance, link thickness with strength.
func Project(g Graph) ForceGraph {
	fg := ForceGraph{
		Nodes: make([]Node, 0, len(g.Entities)),
		Links: make([]Link, 0, len(g.Relationships)),
	}

	for _, e := range g.Entities {
		fg.Nodes = append(fg.Nodes, Node{
			ID:          e.ID,
			Name:        e.Name,
			Group:       e.Type,
			Size:        4 + e.Importance*16,
			Description: e.Description,
		})
	}

	for _, r := range g.Relationships {
		fg.Links = append(fg.Links, Link{
			Source:      r.SourceID,
			Target:      r.TargetID,
			Type:        r.Type,
			Thickness:   1 + r.Strength*5,
			Description: r.Description,
		})
	}

	fg.Meta = ForceGraphMeta{
		BookID:    g.BookID,
		NodeCount: len(fg.Nodes),
		LinkCount: len(fg.Links),
	}
	return fg
}

// Combined merges several books' graphs into one projection. Ids are
// namespaced by book so same-named entities from different books never
// collide; no cross-book linking is attempted.
func Combined(graphs []Graph) ForceGraph {
	fg := ForceGraph{Nodes: make([]Node, 0), Links: make([]Link, 0)}

	for _, g := range graphs {
		for _, e := range g.Entities {
			fg.Nodes = append(fg.Nodes, Node{
				ID:          g.BookID + ":" + e.ID,
				Name:        e.Name,
				Group:       e.Type,
				Size:        4 + e.Importance*16,
				Description: e.Description,
			})
		}
		for _, r := range g.Relationships {
			fg.Links = append(fg.Links, Link{
				Source:      g.BookID + ":" + r.SourceID,
				Target:      g.BookID + ":" + r.TargetID,
				Type:        r.Type,
				Thickness:   1 + r.Strength*5,
				Description: r.Description,
			})
		}
	}

	fg.Meta = ForceGraphMeta{NodeCount: len(fg.Nodes), LinkCount: len(fg.Links)}
	return fg
}
