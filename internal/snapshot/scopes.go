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

package snapshot

import (
	"fmt"
	"sort"

	"storyvault/internal/common"
)

// Entity types the scope table references. Nothing stops a vault from
// holding other types; these are the ones the built-in scopes load.
const (
	TypeChapter     = "chapter"
	TypeScene       = "scene"
	TypeCharacter   = "character"
	TypeLocation    = "location"
	TypeWorldNote   = "world_note"
	TypeStyleGuide  = "style_guide"
	TypeResearch    = "research_note"
	TypeStoryboard  = "storyboard_frame"
	TypeTranslation = "translation_unit"
	TypeChat        = "chat_message"
)

// Access levels. Restricted scopes never load research notes or chat
// history, which may hold source material the step must not see.
const (
	AccessFull       = "full"
	AccessRestricted = "restricted"
)

// scopeSpec lists the entity types one scope loads, highest priority
// first. The assembler trims from the tail of this order.
type scopeSpec struct {
	types []string
}

// scopeTable maps scope step names to their specs. Static by design: a
// step can never query outside its declared types.
var scopeTable = map[string]scopeSpec{
	"draft_scene": {types: []string{
		TypeScene, TypeChapter, TypeCharacter, TypeLocation, TypeStyleGuide, TypeWorldNote,
	}},
	"character_sheet": {types: []string{
		TypeCharacter, TypeWorldNote, TypeResearch,
	}},
	"storyboard": {types: []string{
		TypeStoryboard, TypeScene, TypeChapter, TypeCharacter,
	}},
	"translation": {types: []string{
		TypeTranslation, TypeScene, TypeStyleGuide,
	}},
	"research": {types: []string{
		TypeResearch, TypeWorldNote, TypeCharacter,
	}},
	"chat": {types: []string{
		TypeChat, TypeCharacter, TypeScene,
	}},
}

// restrictedTypes are dropped from any scope under AccessRestricted.
var restrictedTypes = map[string]bool{
	TypeResearch: true,
	TypeChat:     true,
}

// Steps returns all known scope step names.
func Steps() []string {
	steps := make([]string, 0, len(scopeTable))
	for name := range scopeTable {
		steps = append(steps, name)
	}
	sort.Strings(steps)
	return steps
}

// TypesForStep returns the entity types a step loads in priority order,
// honoring the access level. Unknown steps return common.ErrUnknownScope.
func TypesForStep(step, accessLevel string) ([]string, error) {
	spec, ok := scopeTable[step]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownScope, step)
	}
	if accessLevel != AccessRestricted {
		return spec.types, nil
	}
	types := make([]string, 0, len(spec.types))
	for _, t := range spec.types {
		if !restrictedTypes[t] {
			types = append(types, t)
		}
	}
	return types, nil
}

// Priority returns the trim priority of an entity type within a step:
// lower is more important, and types outside the step sort last.
func Priority(step, typ string) int {
	spec, ok := scopeTable[step]
	if !ok {
		return int(^uint(0) >> 1)
	}
	for i, t := range spec.types {
		if t == typ {
			return i
		}
	}
	return len(spec.types)
}
