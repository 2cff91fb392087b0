package loan

import "time"

// Field задаёт упорядоченный список псевдонимов одного логического поля займа.
// Порядок псевдонимов задаёт приоритет: побеждает первое непустое значение.
type Field struct {
	Name    string
	Aliases []string
}

// Lookup возвращает первое непустое значение поля.
func (f Field) Lookup(r RawLoan) (string, bool) {
	return r.FirstString(f.Aliases)
}

// Date возвращает дату из первого псевдонима, значение которого разбирается как дата.
// present сообщает, что какой-то псевдоним заполнен, даже если ни одно значение не удалось
// разобрать: в этом случае date равен nil.
func (f Field) Date(r RawLoan) (date *time.Time, present bool) {
	for _, alias := range f.Aliases {
		v, ok := r.String(alias)
		if !ok {
			continue
		}
		present = true
		if t, ok := ParseDate(v); ok {
			return &t, true
		}
	}
	return nil, present
}

// NestedField ищет значение сначала во вложенном объекте, затем среди плоских полей записи.
type NestedField struct {
	Name   string
	Object string
	Nested []string
	Flat   []string
}

// Lookup возвращает первое непустое значение поля.
func (f NestedField) Lookup(r RawLoan) (string, bool) {
	if obj, ok := r.Object(f.Object); ok {
		if v, ok := obj.FirstString(f.Nested); ok {
			return v, true
		}
	}
	return r.FirstString(f.Flat)
}

var (
	ActualReturnDate = Field{
		Name: "actual_return_date",
		Aliases: []string{
			"tanggal_pengembalian_actual",
			"tanggal_kembali_aktual",
			"actual_return_date",
			"returned_at",
			"date_returned",
		},
	}

	ScheduledReturnDate = Field{
		Name: "scheduled_return_date",
		Aliases: []string{
			"tanggal_kembali",
			"due_date",
			"return_date",
			"tanggal_pengembalian_target",
			"target_return_date",
			"expected_return_date",
			"member_return_date",
		},
	}

	BorrowDate = Field{
		Name: "borrow_date",
		Aliases: []string{
			"tanggal_peminjaman",
			"tanggal_pinjam",
			"borrow_date",
			"borrowed_at",
			"loan_date",
		},
	}

	Status = Field{
		Name:    "status",
		Aliases: []string{"status"},
	}

	BookTitle = NestedField{
		Name:   "book_title",
		Object: "book",
		Nested: []string{"judul", "title"},
		Flat:   []string{"book_title", "judul_buku"},
	}

	BookAuthor = NestedField{
		Name:   "book_author",
		Object: "book",
		Nested: []string{"pengarang", "penulis", "author"},
		Flat:   []string{"book_author", "pengarang"},
	}

	BookCode = NestedField{
		Name:   "book_code",
		Object: "book",
		Nested: []string{"kode_buku", "code"},
		Flat:   []string{"book_code", "kode_buku"},
	}

	MemberName = NestedField{
		Name:   "member_name",
		Object: "member",
		Nested: []string{"name", "nama"},
		Flat:   []string{"member_name"},
	}
)

// Заглушки для отсутствующих данных о книге и участнике.
const (
	TitleUnavailable  = "Judul tidak tersedia"
	AuthorUnavailable = "Pengarang tidak tersedia"
	CodeUnavailable   = "-"
	NameUnavailable   = "-"
)
