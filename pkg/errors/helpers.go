// Copyright 2025 Tom Barlow
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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps err with additional context.
// If err is nil, returns nil.
//
//	if err := store.Save(ctx, task); err != nil {
//	    return errors.Wrap(err, "saving task")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
//
//	var invalid *InvalidWorkflowError
//	if errors.As(err, &invalid) {
//	    log.Printf("step %s: %s", invalid.StepID, invalid.Reason)
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
