package main

import "testing"

func TestBuildPipelinesOnePerHead(t *testing.T) {
	got := buildPipelines(3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, p := range got {
		if p.HeadIndex != i || p.OutputIndex != i {
			t.Fatalf("pipeline %d = %+v, want HeadIndex=OutputIndex=%d", i, p, i)
		}
		if p.PrimaryPlaneIndex != 0 || p.CursorPlaneIndex != 1 {
			t.Fatalf("pipeline %d = %+v, want primary=0 cursor=1", i, p)
		}
	}
}

func TestBuildPipelinesClampsToOne(t *testing.T) {
	if got := buildPipelines(0); len(got) != 1 {
		t.Fatalf("buildPipelines(0) returned %d pipelines, want 1", len(got))
	}
	if got := buildPipelines(-5); len(got) != 1 {
		t.Fatalf("buildPipelines(-5) returned %d pipelines, want 1", len(got))
	}
}
