package domain

// Project represents a GitLab project
type Project struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	NameWithNamespace string    `json:"name_with_namespace"`
	PathWithNamespace string    `json:"path_with_namespace"`
	WebURL            string    `json:"web_url"`
	Namespace         Namespace `json:"namespace"`
}

// Namespace is the group or user a project belongs to
type Namespace struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// Group represents a GitLab group
type Group struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	FullName string `json:"full_name"`
	FullPath string `json:"full_path"`
	WebURL   string `json:"web_url"`
	ParentID *int64 `json:"parent_id"`
}

// Note is a human comment on a merge request
type Note struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	Author    User   `json:"author"`
	CreatedAt string `json:"created_at"`
}
