// Copyright 2025 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

//go:build race

// Package invariants gates expensive correctness checks behind the
// race build tag. Reclamation code poisons nodes as it frees them;
// when Enabled, readers verify that a node reached through a hazard
// pointer was not poisoned, turning a use-after-free into a loud
// panic instead of silent corruption.
package invariants

// Enabled is true when expensive invariant checks are compiled in.
const Enabled = true
