package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raid-guild/split-facilitator-go/storage"
	"github.com/raid-guild/split-facilitator-go/utils"
)

func request(apiKey string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/verify", nil)
	if apiKey != "" {
		r.Header.Set("X-API-Key", apiKey)
	}
	return r
}

func TestAuthenticate_Disabled(t *testing.T) {

	a := New("", nil)
	assert.NoError(t, a.Authenticate(request("")))
	assert.NoError(t, a.Authenticate(request("anything")))
}

func TestAuthenticate_StaticKey(t *testing.T) {

	a := New("static-key", nil)

	assert.NoError(t, a.Authenticate(request("static-key")))

	err := a.Authenticate(request("wrong-key"))
	assert.True(t, utils.IsKind(err, utils.KindVerification))
	assert.Equal(t, http.StatusUnauthorized, utils.StatusOf(err))

	err = a.Authenticate(request(""))
	assert.True(t, utils.IsKind(err, utils.KindVerification))
}

func TestAuthenticate_KeyStore(t *testing.T) {

	newAuth := func(t *testing.T) (*Authenticator, sqlmock.Sqlmock) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() {
			assert.NoError(t, mock.ExpectationsWereMet())
			db.Close()
		})
		return New("", storage.New(db, storage.DriverPostgres)), mock
	}

	t.Run("known key", func(t *testing.T) {
		a, mock := newAuth(t)
		mock.ExpectQuery(`SELECT api_key FROM users WHERE api_key = \$1`).
			WithArgs("valid-api-key").
			WillReturnRows(sqlmock.NewRows([]string{"api_key"}).AddRow("valid-api-key"))

		assert.NoError(t, a.Authenticate(request("valid-api-key")))
	})

	t.Run("unknown key", func(t *testing.T) {
		a, mock := newAuth(t)
		mock.ExpectQuery(`SELECT api_key FROM users WHERE api_key = \$1`).
			WithArgs("invalid-api-key").
			WillReturnRows(sqlmock.NewRows([]string{"api_key"}))

		err := a.Authenticate(request("invalid-api-key"))
		assert.True(t, utils.IsKind(err, utils.KindVerification))
	})

	t.Run("missing key never reaches the store", func(t *testing.T) {
		a, _ := newAuth(t)
		err := a.Authenticate(request(""))
		assert.True(t, utils.IsKind(err, utils.KindVerification))
	})

	t.Run("database failure", func(t *testing.T) {
		a, mock := newAuth(t)
		mock.ExpectQuery(`SELECT api_key FROM users WHERE api_key = \$1`).
			WithArgs("any-key").
			WillReturnError(errors.New("connection refused"))

		err := a.Authenticate(request("any-key"))
		assert.True(t, utils.IsKind(err, utils.KindStorage))
		assert.Equal(t, http.StatusInternalServerError, utils.StatusOf(err))
	})
}

func TestAuthenticate_BothModesRejected(t *testing.T) {

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := New("static-key", storage.New(db, storage.DriverPostgres))

	// The static key does not bypass the misconfiguration
	err = a.Authenticate(request("static-key"))
	assert.True(t, errors.Is(err, ErrMisconfigured))
	assert.Equal(t, http.StatusInternalServerError, utils.StatusOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
