package model

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/startdusk/docsession/orm/internal/errs"
)

const (
	tagName = "orm"

	tagColumn = "column"
	tagKey    = "key"
)

// Registry 代表元数据的注册中心
type Registry interface {
	// Get 根据实体(结构体指针)查找集合, 没有注册过就解析并注册
	Get(entity any) (*Collection, error)
	// GetByType 根据类型查找集合, typ 可以是结构体指针, 也可以是注册过的基类型(接口)
	GetByType(typ reflect.Type) (*Collection, error)
	Register(entity any, opts ...CollectionOption) (*Collection, error)
}

type CollectionOption func(r *registration) error

type registration struct {
	name     string
	typeName string
	bases    []reflect.Type
}

// WithName 指定集合名, 多个类型使用同一个集合名就是单表继承
func WithName(name string) CollectionOption {
	return func(r *registration) error {
		r.name = name
		return nil
	}
}

// WithTypeName 指定写入类型列的名字, 默认是结构体名
func WithTypeName(name string) CollectionOption {
	return func(r *registration) error {
		r.typeName = name
		return nil
	}
}

// WithBase 把接口 B 也映射到这个集合, 这样就能按 B 来查询
func WithBase[B any]() CollectionOption {
	return func(r *registration) error {
		typ := reflect.TypeOf((*B)(nil)).Elem()
		if typ.Kind() != reflect.Interface {
			return fmt.Errorf("orm: 基类型 %v 必须是接口", typ)
		}
		r.bases = append(r.bases, typ)
		return nil
	}
}

type registry struct {
	// 为什么要用reflect.Type作为key
	// 因为有同名结构体但表名不一样的需求
	// 如: buyer下的User 和 seller下的User
	types       map[reflect.Type]*Collection
	collections map[string]*Collection

	// 使用严格的读写锁, 采用double check的读写锁写法就没有线程覆盖的问题
	lock sync.RWMutex
}

func NewRegistry() Registry {
	return &registry{
		// 一个项目如果超过64张表, 说明需要拆分了
		types:       make(map[reflect.Type]*Collection, 64),
		collections: make(map[string]*Collection, 64),
	}
}

func (r *registry) Get(entity any) (*Collection, error) {
	return r.GetByType(reflect.TypeOf(entity))
}

func (r *registry) GetByType(typ reflect.Type) (*Collection, error) {
	if typ == nil {
		return nil, errs.ErrPointerOnly
	}
	r.lock.RLock()
	c, ok := r.types[typ]
	r.lock.RUnlock()
	if ok {
		return c, nil
	}
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errs.NewErrUnregistered(typ)
	}
	return r.register(typ)
}

func (r *registry) Register(entity any, opts ...CollectionOption) (*Collection, error) {
	return r.register(reflect.TypeOf(entity), opts...)
}

func (r *registry) register(typ reflect.Type, opts ...CollectionOption) (*Collection, error) {
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errs.ErrPointerOnly
	}
	reg := &registration{}
	for _, opt := range opts {
		if err := opt(reg); err != nil {
			return nil, err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	// double check, 没有选项的时候已经注册过就直接返回
	if c, ok := r.types[typ]; ok && len(opts) == 0 {
		return c, nil
	}

	elem := typ.Elem()
	fields, keys, computed, err := parseFields(elem)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %v", errs.ErrNoKeyField, typ)
	}

	name := reg.name
	if name == "" {
		name = tableName(typ)
	}
	typeName := reg.typeName
	if typeName == "" {
		typeName = elem.Name()
	}

	c, ok := r.collections[name]
	if ok {
		if !sameKeys(c.KeyFields, keys) || c.IsKeyComputed != computed {
			return nil, fmt.Errorf("orm: 类型 %v 的主键与集合 %s 不一致", typ, name)
		}
	} else {
		c = newCollection(name, keys, computed)
		r.collections[name] = c
	}
	c.addType(typeName, elem, fields)
	r.types[typ] = c
	for _, base := range reg.bases {
		r.types[base] = c
	}
	return c, nil
}

func parseFields(typ reflect.Type) ([]*Field, []*Field, bool, error) {
	numField := typ.NumField()
	fields := make([]*Field, 0, numField)
	keys := make([]*Field, 0, 1)
	computed := false
	var idField *Field
	for i := 0; i < numField; i++ {
		fd := typ.Field(i)
		if !fd.IsExported() {
			continue
		}
		pair, err := parseTag(fd.Tag)
		if err != nil {
			return nil, nil, false, err
		}
		f := &Field{
			GoName:   fd.Name,
			JSONName: jsonName(fd),
			Type:     fd.Type,
			Index:    fd.Index,
		}
		switch pair[tagKey] {
		case "true":
			f.IsKey = true
		case "auto":
			f.IsKey = true
			computed = true
		case "", "false":
		default:
			return nil, nil, false, errs.NewErrInvalidTagContent(tagKey + "=" + pair[tagKey])
		}
		if f.IsKey {
			f.ColName = pair[tagColumn]
			if f.ColName == "" {
				f.ColName = underscoreName(fd.Name)
			}
			keys = append(keys, f)
		}
		if fd.Name == "ID" && pair[tagKey] == "" {
			idField = f
		}
		fields = append(fields, f)
	}
	if len(keys) == 0 && idField != nil {
		idField.IsKey = true
		idField.ColName = "id"
		keys = append(keys, idField)
	}
	if computed && len(keys) > 1 {
		return nil, nil, false, fmt.Errorf("orm: 自增主键只能有一列, 类型 %v", typ)
	}
	return fields, keys, computed, nil
}

func parseTag(tag reflect.StructTag) (map[string]string, error) {
	ormTag, ok := tag.Lookup(tagName)
	if !ok {
		return map[string]string{}, nil
	}
	pairs := strings.Split(ormTag, ",")
	tags := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		segs := strings.Split(pair, "=")
		if len(segs) != 2 {
			return nil, errs.NewErrInvalidTagContent(pair)
		}
		tags[segs[0]] = segs[1]
	}
	return tags, nil
}

func jsonName(fd reflect.StructField) string {
	tag, ok := fd.Tag.Lookup("json")
	if !ok {
		return fd.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" || name == "-" {
		return fd.Name
	}
	return name
}

func tableName(typ reflect.Type) string {
	val := reflect.New(typ.Elem()).Interface()
	if tn, ok := val.(TableName); ok && tn.TableName() != "" {
		return tn.TableName()
	}
	return underscoreName(typ.Elem().Name())
}

func sameKeys(a, b []*Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ColName != b[i].ColName || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

// 驼峰名字符串转下划线命名
func underscoreName(name string) string {
	var buf []byte
	runes := []rune(name)
	for i, v := range runes {
		if unicode.IsUpper(v) {
			if i != 0 && i < len(runes)-1 && !unicode.IsUpper(runes[i+1]) {
				buf = append(buf, '_')
			}
			buf = append(buf, byte(unicode.ToLower(v)))
		} else {
			buf = append(buf, byte(v))
		}
	}
	return string(buf)
}
