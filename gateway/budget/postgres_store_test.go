// Copyright 2025 Joevis
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

package budget

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ReadSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	want := sampleSnapshot()
	data, _ := json.Marshal(want)

	mock.ExpectQuery("SELECT data FROM budget_snapshots").
		WithArgs("current").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	store := NewPostgresStoreWithDB(db)
	got, err := store.ReadSnapshot(context.Background())

	require.NoError(t, err)
	assert.Equal(t, want.Entries, got.Entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadSnapshot_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT data FROM budget_snapshots").
		WithArgs("current").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	store := NewPostgresStoreWithDB(db)
	snap, err := store.ReadSnapshot(context.Background())

	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadSnapshot_Corrupt(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT data FROM budget_snapshots").
		WithArgs("current").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("not json")))

	store := NewPostgresStoreWithDB(db)
	snap, err := store.ReadSnapshot(context.Background())

	assert.Nil(t, snap)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
}

func TestPostgresStore_WriteSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO budget_snapshots").
		WithArgs("current", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStoreWithDB(db)
	require.NoError(t, store.WriteSnapshot(context.Background(), sampleSnapshot()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendArchive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	arc := &Archive{
		Period:  "2025-07",
		Entries: map[string]UsageEntry{"openai": {Requests: 3, Cost: 1.5}},
	}

	mock.ExpectExec("INSERT INTO budget_archives").
		WithArgs(arc.Period, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresStoreWithDB(db)
	require.NoError(t, store.AppendArchive(context.Background(), arc))
	assert.NoError(t, mock.ExpectationsWereMet())
}
