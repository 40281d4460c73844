package observer

import "testing"

func TestParseSummary_ValidJSON(t *testing.T) {
	s, err := parseSummary(`{"summary": "학생이 이차방정식을 질문함", "student_status": {"understanding": "중"}, "title": "이차방정식 질문"}`)
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if s.Summary != "학생이 이차방정식을 질문함" {
		t.Fatalf("unexpected summary %q", s.Summary)
	}
	if s.StudentStatus["understanding"] != "중" {
		t.Fatalf("unexpected student_status %v", s.StudentStatus)
	}
	if s.Title != "이차방정식 질문" {
		t.Fatalf("unexpected title %q", s.Title)
	}
}

func TestParseSummary_JSONSurroundedByProse(t *testing.T) {
	s, err := parseSummary("여기 결과입니다:\n{\"summary\": \"요약\", \"student_status\": {}}\n끝.")
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if s.Summary != "요약" {
		t.Fatalf("unexpected summary %q", s.Summary)
	}
}

func TestParseSummary_NonJSONFallsBackToRawText(t *testing.T) {
	s, err := parseSummary("그냥 평범한 텍스트 응답입니다")
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if s.Summary != "그냥 평범한 텍스트 응답입니다" {
		t.Fatalf("expected raw text fallback, got %q", s.Summary)
	}
	if s.StudentStatus == nil {
		t.Fatal("expected non-nil student_status map in fallback")
	}
}

func TestParseSummary_EmptySummaryFieldFallsBackToRawText(t *testing.T) {
	s, err := parseSummary(`{"student_status": {"understanding": "상"}}`)
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if s.Summary == "" {
		t.Fatal("expected non-empty summary fallback")
	}
	if s.StudentStatus["understanding"] != "상" {
		t.Fatalf("unexpected student_status %v", s.StudentStatus)
	}
}
