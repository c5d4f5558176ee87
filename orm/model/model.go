package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/startdusk/docsession/orm/internal/errs"
)

const (
	// DocumentColumn 存放序列化后的实体
	DocumentColumn = "document"
	// DocumentTypeColumn 存放实体的具体类型(单表继承时用来区分)
	DocumentTypeColumn = "document_type"
	// DocumentTypeField 查询条件里可以用这个字段名来引用类型列
	DocumentTypeField = "DocumentType"

	keySep = "\x1f"
)

// TableName 用户实现这个接口来指定集合名(表名)
type TableName interface {
	TableName() string
}

type Field struct {
	// GoName 结构体字段名
	GoName string
	// ColName 只有主键字段才有独立的列
	ColName string
	// JSONName 字段在文档里的名字
	JSONName string
	Type     reflect.Type
	Index    []int
	IsKey    bool
}

// Key 是规范化之后的主键, 可以直接作为 map 的 key
type Key string

// KeyValue 同时保留规范化的 Key 和按主键列顺序排列的原始值
// 原始值用于拼接 SQL 参数
type KeyValue struct {
	Key    Key
	Values []any
}

// Collection 描述一张逻辑表
// 表结构固定为: 主键列..., document, document_type
type Collection struct {
	Name          string
	KeyFields     []*Field
	IsKeyComputed bool
	// FieldMap 是所有注册类型字段的并集, GoName -> Field
	FieldMap map[string]*Field

	columns     []string
	columnIndex map[string]int

	mu        sync.RWMutex
	types     map[string]reflect.Type
	typeNames map[reflect.Type]string
}

func newCollection(name string, keys []*Field, computed bool) *Collection {
	c := &Collection{
		Name:          name,
		KeyFields:     keys,
		IsKeyComputed: computed,
		FieldMap:      make(map[string]*Field, 16),
		columnIndex:   make(map[string]int, len(keys)+2),
		types:         make(map[string]reflect.Type, 2),
		typeNames:     make(map[reflect.Type]string, 2),
	}
	for _, k := range keys {
		c.columns = append(c.columns, k.ColName)
	}
	c.columns = append(c.columns, DocumentColumn, DocumentTypeColumn)
	for i, col := range c.columns {
		c.columnIndex[col] = i
	}
	return c
}

// KeyColumns 返回主键列名, 顺序即主键值的顺序
func (c *Collection) KeyColumns() []string {
	return c.columns[:len(c.KeyFields)]
}

// Columns 返回一行数据的全部列
func (c *Collection) Columns() []string {
	return c.columns
}

// GetColumnIndex 找不到返回 -1
func (c *Collection) GetColumnIndex(name string) int {
	idx, ok := c.columnIndex[name]
	if !ok {
		return -1
	}
	return idx
}

func (c *Collection) DocumentIndex() int {
	return len(c.KeyFields)
}

func (c *Collection) DocumentTypeIndex() int {
	return len(c.KeyFields) + 1
}

// NewKey 用主键值构造 KeyValue, 值会被转换成主键字段的类型
func (c *Collection) NewKey(vals ...any) (KeyValue, error) {
	if len(vals) != len(c.KeyFields) {
		return KeyValue{}, errs.NewErrKeyArity(c.Name, len(c.KeyFields), len(vals))
	}
	res := KeyValue{Values: make([]any, len(vals))}
	var sb strings.Builder
	for i, fd := range c.KeyFields {
		v, err := convertKey(fd, vals[i])
		if err != nil {
			return KeyValue{}, err
		}
		res.Values[i] = v
		if i > 0 {
			sb.WriteString(keySep)
		}
		fmt.Fprint(&sb, v)
	}
	res.Key = Key(sb.String())
	return res, nil
}

// CreateKey 从一行数据里取出主键
func (c *Collection) CreateKey(row []any) (KeyValue, error) {
	if len(row) < len(c.KeyFields) {
		return KeyValue{}, errs.NewErrKeyArity(c.Name, len(c.KeyFields), len(row))
	}
	return c.NewKey(row[:len(c.KeyFields)]...)
}

// KeyOf 读取实体上的主键
func (c *Collection) KeyOf(entity any) (KeyValue, error) {
	val, err := structValue(entity)
	if err != nil {
		return KeyValue{}, err
	}
	vals := make([]any, 0, len(c.KeyFields))
	for _, fd := range c.KeyFields {
		vals = append(vals, val.FieldByIndex(fd.Index).Interface())
	}
	return c.NewKey(vals...)
}

// SetKey 把数据库生成的主键写回实体, 只支持单列主键
func (c *Collection) SetKey(entity any, v any) error {
	if len(c.KeyFields) != 1 {
		return errs.NewErrKeyArity(c.Name, 1, len(c.KeyFields))
	}
	val, err := structValue(entity)
	if err != nil {
		return err
	}
	fd := c.KeyFields[0]
	kv, err := convertKey(fd, v)
	if err != nil {
		return err
	}
	val.FieldByIndex(fd.Index).Set(reflect.ValueOf(kv).Convert(fd.Type))
	return nil
}

// HasDefaultKey 主键是否还是零值, 自增主键在插入前就是零值
func (c *Collection) HasDefaultKey(entity any) bool {
	val, err := structValue(entity)
	if err != nil {
		return false
	}
	for _, fd := range c.KeyFields {
		if !val.FieldByIndex(fd.Index).IsZero() {
			return false
		}
	}
	return true
}

// Deserialize 根据类型列的值找到具体的结构体类型
func (c *Collection) Deserialize(discriminator string) (reflect.Type, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	typ, ok := c.types[discriminator]
	if !ok {
		return nil, errs.NewErrUnknownDocumentType(c.Name, discriminator)
	}
	return typ, nil
}

// Discriminator 返回实体写入类型列的值
func (c *Collection) Discriminator(entity any) (string, error) {
	typ := reflect.TypeOf(entity)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return "", errs.ErrPointerOnly
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.typeNames[typ.Elem()]
	if !ok {
		return "", errs.NewErrUnregistered(typ)
	}
	return name, nil
}

// Discriminators 返回能赋值给 typ 的所有类型名
func (c *Collection) Discriminators(typ reflect.Type) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := make([]string, 0, len(c.typeNames))
	for t, name := range c.typeNames {
		if reflect.PointerTo(t).AssignableTo(typ) {
			res = append(res, name)
		}
	}
	return res
}

// TypeCount 集合里注册了多少种具体类型
func (c *Collection) TypeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types)
}

func (c *Collection) addType(name string, typ reflect.Type, fields []*Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[name] = typ
	c.typeNames[typ] = name
	for _, fd := range fields {
		if _, ok := c.FieldMap[fd.GoName]; !ok {
			c.FieldMap[fd.GoName] = fd
		}
	}
}

func structValue(entity any) (reflect.Value, error) {
	val := reflect.ValueOf(entity)
	if val.Kind() != reflect.Ptr || val.IsNil() || val.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, errs.ErrPointerOnly
	}
	return val.Elem(), nil
}

// convertKey 数据库驱动, 缓存解码出来的值类型各不相同
// 比如 MySQL 文本协议下整数也是 []byte, 所以统一转成主键字段的类型
func convertKey(fd *Field, v any) (any, error) {
	switch fd.Type.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(v)
		if err != nil {
			return nil, errs.NewErrInvalidKeyValue(fd.GoName, v)
		}
		return reflect.ValueOf(n).Convert(fd.Type).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toUint64(v)
		if err != nil {
			return nil, errs.NewErrInvalidKeyValue(fd.GoName, v)
		}
		return reflect.ValueOf(n).Convert(fd.Type).Interface(), nil
	case reflect.String:
		switch s := v.(type) {
		case []byte:
			return reflect.ValueOf(string(s)).Convert(fd.Type).Interface(), nil
		case json.Number:
			return reflect.ValueOf(string(s)).Convert(fd.Type).Interface(), nil
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.String {
			return nil, errs.NewErrInvalidKeyValue(fd.GoName, v)
		}
		return rv.Convert(fd.Type).Interface(), nil
	}
	return nil, errs.NewErrInvalidKeyValue(fd.GoName, v)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	case json.Number:
		return n.Int64()
	case float64:
		if n != float64(int64(n)) {
			return 0, strconv.ErrSyntax
		}
		return int64(n), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	}
	return 0, strconv.ErrSyntax
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case []byte:
		return strconv.ParseUint(string(n), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	case json.Number:
		return strconv.ParseUint(string(n), 10, 64)
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, strconv.ErrSyntax
		}
		return uint64(n), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, strconv.ErrSyntax
		}
		return uint64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	}
	return 0, strconv.ErrSyntax
}
