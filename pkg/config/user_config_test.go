package config

import "testing"

func TestApplyKeyValueSetsKnownFields(t *testing.T) {
	uc := GetDefaultConfig()

	if err := ApplyKeyValue(&uc, "workdir", "/srv/app"); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if uc.Workdir != "/srv/app" {
		t.Fatalf("Expected workdir /srv/app, got %s", uc.Workdir)
	}

	if err := ApplyKeyValue(&uc, "resources.memory", "1g"); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if uc.Resources.Memory != "1g" {
		t.Fatalf("Expected resources.memory 1g, got %s", uc.Resources.Memory)
	}

	if err := ApplyKeyValue(&uc, "resources.cpuCores", "2.5"); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if uc.Resources.CPUCores != 2.5 {
		t.Fatalf("Expected resources.cpuCores 2.5, got %f", uc.Resources.CPUCores)
	}

	if err := ApplyKeyValue(&uc, "playground.poolSize", "3"); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if uc.Playground.PoolSize != 3 {
		t.Fatalf("Expected playground.poolSize 3, got %d", uc.Playground.PoolSize)
	}
}

func TestApplyKeyValueRejectsUnrecognizedKey(t *testing.T) {
	uc := GetDefaultConfig()
	if err := ApplyKeyValue(&uc, "not.a.real.key", "x"); err == nil {
		t.Fatalf("Expected an error for an unrecognized key")
	}
}

func TestApplyKeyValueRejectsBadNumbers(t *testing.T) {
	uc := GetDefaultConfig()
	if err := ApplyKeyValue(&uc, "resources.cpuCores", "not-a-number"); err == nil {
		t.Fatalf("Expected an error for a non-numeric resources.cpuCores value")
	}
}
