package models

import "testing"

func TestStepDependencyTracking(t *testing.T) {
	parent := NewStep("/nix/store/parent.drv", "x86_64-linux", nil)
	dep := NewStep("/nix/store/dep.drv", "x86_64-linux", nil)

	parent.AddDependency(dep)
	if parent.DependencyCount() != 1 {
		t.Fatalf("expected 1 dependency, got %d", parent.DependencyCount())
	}
	if len(dep.ReverseDependencies()) != 1 {
		t.Fatalf("expected dep to have 1 reverse dependency")
	}

	empty := parent.RemoveDependency(dep.DrvPath)
	if !empty {
		t.Fatal("expected dependency set to be empty after removing the only dependency")
	}
	if parent.DependencyCount() != 0 {
		t.Fatalf("expected 0 dependencies after removal, got %d", parent.DependencyCount())
	}
}

func TestStepBumpPriorityNeverGoesBackwards(t *testing.T) {
	s := NewStep("/nix/store/a.drv", "x86_64-linux", nil)

	s.BumpPriority(10, 5, 100)
	if s.HighestGlobalPriority() != 10 || s.HighestLocalPriority() != 5 {
		t.Fatal("expected priorities to be set on first bump")
	}
	if s.LowestBuildID() != 100 {
		t.Fatalf("expected lowest build id 100, got %d", s.LowestBuildID())
	}

	s.BumpPriority(5, 20, 200)
	if s.HighestGlobalPriority() != 10 {
		t.Fatalf("global priority must not decrease, got %d", s.HighestGlobalPriority())
	}
	if s.HighestLocalPriority() != 20 {
		t.Fatalf("local priority should rise to 20, got %d", s.HighestLocalPriority())
	}
	if s.LowestBuildID() != 100 {
		t.Fatalf("lowest build id must not rise, got %d", s.LowestBuildID())
	}

	s.BumpPriority(0, 0, 50)
	if s.LowestBuildID() != 50 {
		t.Fatalf("lowest build id should fall to 50, got %d", s.LowestBuildID())
	}
}

func TestStepBuildReferenceCounting(t *testing.T) {
	s := NewStep("/nix/store/a.drv", "x86_64-linux", nil)

	s.AddBuild(1)
	s.AddBuild(2)
	if s.BuildCount() != 2 {
		t.Fatalf("expected 2 referencing builds, got %d", s.BuildCount())
	}
	if !s.ReferencesBuild(1) {
		t.Fatal("expected step to reference build 1")
	}

	stillReferenced := s.RemoveBuild(1)
	if !stillReferenced {
		t.Fatal("expected step to still be referenced after removing one of two builds")
	}
	stillReferenced = s.RemoveBuild(2)
	if stillReferenced {
		t.Fatal("expected step to be unreferenced after removing its last build")
	}
}

func TestStepRunnableSince(t *testing.T) {
	s := NewStep("/nix/store/a.drv", "x86_64-linux", nil)
	if !s.RunnableSince().IsZero() {
		t.Fatal("a freshly created step should not have a runnable-since time")
	}

	s.SetRunnable(true)
	if s.RunnableSince().IsZero() {
		t.Fatal("expected a runnable-since time once marked runnable")
	}

	s.SetRunnable(false)
	if !s.RunnableSince().IsZero() {
		t.Fatal("runnable-since should reset once no longer runnable")
	}
}
