// Copyright 2025 Storyvault Authors
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

package common

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrIO               = errors.New("I/O failure")
	ErrInvalidForkPoint = errors.New("invalid fork point")
	ErrDuplicateBranch  = errors.New("duplicate branch")
	ErrCyclicEventGraph = errors.New("cyclic event graph")
	ErrCommitFailed     = errors.New("commit failed")
	ErrRolledBack       = errors.New("unit of work rolled back")
	ErrUnknownScope     = errors.New("unknown context scope")
	ErrLocked           = errors.New("data root locked by another process")
)
