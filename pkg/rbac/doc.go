// Package rbac decides which DICOM studies, series and instances a user may
// see inside a research project.
//
// # Overview
//
// Every decision combines three sources, checked in a fixed order:
//
//  1. Membership: a user outside the project is denied.
//  2. Explicit grants: per-user ProjectDataAccess rows on the resource or one
//     of its ancestors.
//  3. Rules: AccessCondition rows bound to the user's roles and to the
//     project, each a predicate on one DICOM attribute.
//
// A DENY verdict is a normal result. Errors are reserved for unknown users,
// projects and resources, malformed requests and store failures.
//
// # Resource Hierarchy
//
// Resources form a fixed tree: STUDY contains SERIES contains INSTANCE. The
// Store resolves a UID inside a project to a Node and loads its Lineage, the
// node followed by each ancestor up to the study. Attributes are inherited
// downwards, so a series sees its study's PatientID unless it overrides it:
//
//	lineage, _ := store.Ancestors(ctx, node.ID, rbac.LevelSeries)
//	tags := lineage.TagsAt(rbac.LevelSeries)
//
// # Explicit Grants
//
// Grants follow REQUESTED -> APPROVED | DENIED, and any of those may be
// REVOKED. Only APPROVED and DENIED are decisive. The closest decisive grant
// wins: a denied series beats an approved study. An approval inherited from
// an ancestor still lets a more specific DENY rule through, so
//
//	study APPROVED + instance-level DENY rule matching = DENY
//
// A user holds at most one non-revoked grant per resource; a second request
// fails with ErrGrantConflict.
//
// # Rules
//
// Conditions apply at their level and every level below it. For each DICOM
// attribute only the most specific level's ALLOW conditions are kept, and
// likewise for LIMIT. DENY conditions are always kept. A study exposes the
// modalities of its series as Modality. The remaining conditions are ordered role bindings first, then project
// bindings, each by priority descending and id ascending:
//
//	DENY  - first matching deny wins immediately
//	ALLOW - the first matching allow admits the request
//	LIMIT - narrows the admitted request to a constraint on the attribute
//
// Without a matching ALLOW the verdict is DENY. Constraints from LIMIT rules
// are intersected and returned with the verdict; ConstraintsSatisfied tells
// whether the resource itself lies inside them.
//
// # Caching
//
// ConditionCache keeps condition lists per role and project in a local
// expirable LRU and optionally in a SharedCache such as Redis. The Store
// invalidates the affected keys after every binding or condition change.
// Shared tier failures are logged and fall back to the database.
//
// # Batch Filtering
//
// Engine.FilterVisible evaluates many UIDs at one level, for example the
// results of a QIDO-RS search, with bounded parallelism. Exact-level grants
// are fetched in one query. Unknown UIDs are reported, not treated as errors.
//
// # HTTP
//
// Handlers exposes decisions, rule administration, grant lifecycle and study
// registration. Guard protects resource routes:
//
//	router.Handle("/projects/{project_id}/studies/{study_uid}",
//		guard.Require(rbac.LevelStudy)(handler))
//
// The admitted EvaluationResult is available to the handler through
// EvaluationFromRequest.
//
// # Database Schema
//
// Tables created by RunMigrations:
//
//	security_user, security_project, security_role, security_user_project
//	security_access_condition
//	security_role_dicom_condition, security_project_dicom_condition
//	project_data_study, project_data_series, project_data_instance
//	project_data_access
//
// Queries use $N placeholders in first-appearance order so the same SQL runs
// on PostgreSQL and on SQLite in tests.
//
// # Testing
//
// Unit tests run the stores against in-memory SQLite and the cache against
// miniredis. Integration tests (build tag integration) use testcontainers to
// run PostgreSQL and apply the real migrations.
package rbac
