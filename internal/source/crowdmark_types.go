package source

import (
	"bytes"
	"encoding/json"
	"strings"
)

// flexNumber decodes a number that upstream sends either as a JSON number or as a
// numeric string. Anything else decodes to absent rather than failing the record.
type flexNumber struct {
	value *float64
}

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	f.value = nil
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		if finite(number) {
			f.value = &number
		}
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if parsed, ok := parseFlexibleFloat(text); ok {
			f.value = &parsed
		}
	}
	return nil
}

// flexString keeps only genuine JSON strings.
type flexString struct {
	value string
	set   bool
}

func (f *flexString) UnmarshalJSON(data []byte) error {
	f.value, f.set = "", false

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		f.value = strings.TrimSpace(text)
		f.set = f.value != ""
	}
	return nil
}

type crowdmarkPagination struct {
	NextPage *int `json:"next-page"`
}

type crowdmarkCoursePage struct {
	Data []crowdmarkCourse `json:"data"`
	Meta struct {
		Pagination crowdmarkPagination `json:"pagination"`
	} `json:"meta"`
}

type crowdmarkCourse struct {
	ID         string `json:"id"`
	Attributes struct {
		Name *string `json:"name"`
	} `json:"attributes"`
}

type crowdmarkAssignmentsResponse struct {
	Data     []crowdmarkAssignment `json:"data"`
	Included []crowdmarkExamMaster `json:"included"`
}

type crowdmarkAssignment struct {
	ID            string                        `json:"id"`
	Attributes    crowdmarkAssignmentAttributes `json:"attributes"`
	Relationships struct {
		ExamMaster struct {
			Data *struct {
				ID string `json:"id"`
			} `json:"data"`
		} `json:"exam-master"`
	} `json:"relationships"`
}

type crowdmarkAssignmentAttributes struct {
	Due                    *string    `json:"due"`
	MarksSentAt            *string    `json:"marks-sent-at"`
	NormalizedPoints       flexNumber `json:"normalized-points"`
	Points                 flexNumber `json:"points"`
	ScoreUUID              flexString `json:"score-uuid"`
	Instructions           *string    `json:"instructions"`
	AdditionalInstructions *string    `json:"additional-instructions"`
}

type crowdmarkExamMaster struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Title string `json:"title"`
	} `json:"attributes"`
}

type crowdmarkStatistics struct {
	Assessments []crowdmarkAssessmentStat `json:"assessments"`
}

type crowdmarkAssessmentStat struct {
	ScoreUUID    string     `json:"scoreUuid"`
	Title        string     `json:"title"`
	MyScore      flexNumber `json:"myScore"`
	AverageScore flexNumber `json:"averageScore"`
}
