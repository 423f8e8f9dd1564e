// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import "context"

// BytesProvider serves a fixed in-memory document. Useful for tests and
// embedded defaults. Watching is not supported.
type BytesProvider struct {
	data []byte
}

// NewBytesProvider creates a provider backed by the given bytes.
func NewBytesProvider(data []byte) *BytesProvider {
	return &BytesProvider{data: data}
}

// Type returns TypeBytes.
func (p *BytesProvider) Type() Type {
	return TypeBytes
}

// Load returns a copy of the document.
func (p *BytesProvider) Load(ctx context.Context) ([]byte, error) {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out, nil
}

// Watch is not supported for in-memory documents.
func (p *BytesProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	return nil, nil
}

// Close is a no-op.
func (p *BytesProvider) Close() error {
	return nil
}

var _ Provider = (*BytesProvider)(nil)
