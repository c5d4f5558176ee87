package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/startdusk/docsession/orm/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Register(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		entity  any
		opts    []CollectionOption
		wantErr error

		wantName     string
		wantKeys     []string
		wantColumns  []string
		wantComputed bool
	}{
		{
			name:        "default id key",
			entity:      &TestModel{},
			wantName:    "test_model",
			wantKeys:    []string{"id"},
			wantColumns: []string{"id", DocumentColumn, DocumentTypeColumn},
		},
		{
			name:         "auto key",
			entity:       &AutoKeyModel{},
			wantName:     "auto_key_model",
			wantKeys:     []string{"serial"},
			wantColumns:  []string{"serial", DocumentColumn, DocumentTypeColumn},
			wantComputed: true,
		},
		{
			name:        "composite key",
			entity:      &CompositeKeyModel{},
			wantName:    "composite_key_model",
			wantKeys:    []string{"tenant", "code"},
			wantColumns: []string{"tenant", "code", DocumentColumn, DocumentTypeColumn},
		},
		{
			name:        "custom table name",
			entity:      &CustomTableName{},
			wantName:    "custom_table_name_t",
			wantKeys:    []string{"id"},
			wantColumns: []string{"id", DocumentColumn, DocumentTypeColumn},
		},
		{
			name:        "with name",
			entity:      &TestModel{},
			opts:        []CollectionOption{WithName("people")},
			wantName:    "people",
			wantKeys:    []string{"id"},
			wantColumns: []string{"id", DocumentColumn, DocumentTypeColumn},
		},
		{
			name:    "no key",
			entity:  &NoKeyModel{},
			wantErr: fmt.Errorf("%w: %v", errs.ErrNoKeyField, reflect.TypeOf(&NoKeyModel{})),
		},
		{
			name:    "struct model",
			entity:  TestModel{},
			wantErr: errs.ErrPointerOnly,
		},
		{
			name:    "primitive type",
			entity:  0,
			wantErr: errs.ErrPointerOnly,
		},
		{
			name: "invalid tag",
			entity: func() any {
				type TagTable struct {
					ID string `orm:"column"`
				}
				return &TagTable{}
			}(),
			wantErr: errs.NewErrInvalidTagContent("column"),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := NewRegistry()
			m, err := r.Register(c.entity, c.opts...)
			assert.Equal(t, c.wantErr, err)
			if err != nil {
				return
			}
			assert.Equal(t, c.wantName, m.Name)
			assert.Equal(t, c.wantKeys, m.KeyColumns())
			assert.Equal(t, c.wantColumns, m.Columns())
			assert.Equal(t, c.wantComputed, m.IsKeyComputed)
			assert.Equal(t, len(c.wantKeys), m.DocumentIndex())
			assert.Equal(t, len(c.wantKeys)+1, m.GetColumnIndex(DocumentTypeColumn))
			assert.Equal(t, -1, m.GetColumnIndex("nope"))
		})
	}
}

func Test_Registry_SingleTableInheritance(t *testing.T) {
	r := NewRegistry()
	dogs, err := r.Register(&Dog{}, WithName("animals"), WithBase[Animal]())
	require.NoError(t, err)
	cats, err := r.Register(&Cat{}, WithName("animals"), WithBase[Animal]())
	require.NoError(t, err)
	assert.Same(t, dogs, cats)

	base, err := r.GetByType(reflect.TypeOf((*Animal)(nil)).Elem())
	require.NoError(t, err)
	assert.Same(t, dogs, base)

	typ, err := base.Deserialize("Cat")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(Cat{}), typ)

	_, err = base.Deserialize("Bird")
	assert.ErrorIs(t, err, errs.ErrUnknownDocType)

	name, err := base.Discriminator(&Dog{})
	require.NoError(t, err)
	assert.Equal(t, "Dog", name)

	assert.ElementsMatch(t, []string{"Dog", "Cat"}, base.Discriminators(reflect.TypeOf((*Animal)(nil)).Elem()))
	assert.Equal(t, []string{"Cat"}, base.Discriminators(reflect.TypeOf(&Cat{})))

	_, err = r.Register(&TestModel{}, WithName("animals"))
	require.NoError(t, err)
	_, err = r.Register(&CompositeKeyModel{}, WithName("animals"))
	assert.Error(t, err)
}

func Test_RegistryGet(t *testing.T) {
	r := NewRegistry()
	c1, err := r.Get(&TestModel{})
	require.NoError(t, err)
	c2, err := r.GetByType(reflect.TypeOf(&TestModel{}))
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = r.GetByType(reflect.TypeOf((*Animal)(nil)).Elem())
	assert.Error(t, err)
}

func Test_Collection_Key(t *testing.T) {
	r := NewRegistry()
	c, err := r.Register(&TestModel{})
	require.NoError(t, err)

	cases := []struct {
		name    string
		vals    []any
		wantKey Key
		wantErr bool
	}{
		{name: "int", vals: []any{12}, wantKey: "12"},
		{name: "int64", vals: []any{int64(12)}, wantKey: "12"},
		{name: "bytes", vals: []any{[]byte("12")}, wantKey: "12"},
		{name: "json number", vals: []any{json.Number("12")}, wantKey: "12"},
		{name: "float", vals: []any{float64(12)}, wantKey: "12"},
		{name: "fraction", vals: []any{12.5}, wantErr: true},
		{name: "arity", vals: []any{1, 2}, wantErr: true},
		{name: "text", vals: []any{"abc"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv, err := c.NewKey(tc.vals...)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKey, kv.Key)
			assert.Equal(t, []any{int64(12)}, kv.Values)
		})
	}

	kv, err := c.KeyOf(&TestModel{ID: 7})
	require.NoError(t, err)
	assert.Equal(t, Key("7"), kv.Key)

	kv, err = c.CreateKey([]any{[]byte("7"), "{}", "TestModel"})
	require.NoError(t, err)
	assert.Equal(t, Key("7"), kv.Key)
}

func Test_Collection_CompositeKey(t *testing.T) {
	r := NewRegistry()
	c, err := r.Register(&CompositeKeyModel{})
	require.NoError(t, err)
	kv, err := c.KeyOf(&CompositeKeyModel{Tenant: "acme", Code: 3})
	require.NoError(t, err)
	assert.Equal(t, Key("acme"+keySep+"3"), kv.Key)
	assert.Equal(t, []any{"acme", uint32(3)}, kv.Values)

	other, err := c.NewKey([]byte("acme"), int64(3))
	require.NoError(t, err)
	assert.Equal(t, kv, other)

	assert.Error(t, c.SetKey(&CompositeKeyModel{}, 1))
}

func Test_Collection_SetKey(t *testing.T) {
	r := NewRegistry()
	c, err := r.Register(&AutoKeyModel{})
	require.NoError(t, err)

	m := &AutoKeyModel{}
	assert.True(t, c.HasDefaultKey(m))
	require.NoError(t, c.SetKey(m, int64(42)))
	assert.Equal(t, 42, m.Serial)
	assert.False(t, c.HasDefaultKey(m))
}

func Test_underscoreName(t *testing.T) {
	cases := map[string]string{
		"TestModel": "test_model",
		"ID":        "id",
		"Blog":      "blog",
	}
	for in, want := range cases {
		assert.Equal(t, want, underscoreName(in))
	}
}

type TestModel struct {
	ID        int64
	FirstName string `json:"first_name"`
	Age       int8
}

type AutoKeyModel struct {
	Serial int `orm:"key=auto"`
	Name   string
}

type CompositeKeyModel struct {
	Tenant string `orm:"key=true"`
	Code   uint32 `orm:"key=true"`
}

type NoKeyModel struct {
	Name string
}

type CustomTableName struct {
	ID int
}

func (c CustomTableName) TableName() string {
	return "custom_table_name_t"
}

type Animal interface {
	Sound() string
}

type Dog struct {
	ID   int64
	Name string
}

func (d *Dog) Sound() string { return "woof" }

type Cat struct {
	ID    int64
	Lives int
}

func (c *Cat) Sound() string { return "meow" }
