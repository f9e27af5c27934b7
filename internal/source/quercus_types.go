package source

// QuercusUser is the subset of /users/self the service reads.
type QuercusUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// QuercusCourse is an active student enrollment.
type QuercusCourse struct {
	ID         int64   `json:"id"`
	Name       *string `json:"name"`
	CourseCode string  `json:"course_code"`
}

// QuercusAssignment is a course assignment listed with its submission.
type QuercusAssignment struct {
	ID             int64              `json:"id"`
	CourseID       int64              `json:"course_id"`
	Name           *string            `json:"name"`
	Description    *string            `json:"description"`
	DueAt          *string            `json:"due_at"`
	PointsPossible *float64           `json:"points_possible"`
	Submission     *QuercusSubmission `json:"submission"`
}

// QuercusSubmission carries the student's own grade state.
type QuercusSubmission struct {
	Score    *float64 `json:"score"`
	GradedAt *string  `json:"graded_at"`
	PostedAt *string  `json:"posted_at"`
}

// QuercusFile is file metadata from the course files API.
type QuercusFile struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Filename    string `json:"filename"`
	ContentType string `json:"content-type"`
	MimeClass   string `json:"mime_class"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}
