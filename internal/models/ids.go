package models

// BuildID identifies a Build row in the relational store.
type BuildID int64

// JobsetID identifies a fair-share accounting unit (project, jobset) pair.
type JobsetID int32

// MachineID identifies a connected builder agent for the lifetime of its session.
type MachineID string
