package dto

// ListJobsRequest carries the query parameters of the job listing endpoint.
type ListJobsRequest struct {
	UserID   string `form:"user_id" binding:"required"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is the job listing payload. Usage and quota limits are
// included so clients can render remaining capacity without extra calls.
type ListJobsResponse struct {
	Jobs       []JobDTO  `json:"jobs"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Usage      int64     `json:"usage"`
	Quota      QuotaInfo `json:"quota"`
}

// QuotaInfo reports the configured upload limits.
type QuotaInfo struct {
	MonthlyLimit int64 `json:"monthly_limit"`
	MaxFileSize  int64 `json:"max_file_size"`
}

// JobDTO is the API representation of a job. Outputs maps each available
// output kind to its download path.
type JobDTO struct {
	JobID     int64             `json:"job_id"`
	OwnerID   string            `json:"owner_id"`
	InputName string            `json:"input_name"`
	InputSize int64             `json:"input_size"`
	Language  string            `json:"language"`
	Status    string            `json:"status"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}
