package template

import "testing"

func TestRepositoryPutGetListDelete(t *testing.T) {
	repo := NewRepository()
	tmpl := scaleTemplate()

	if err := repo.Put(tmpl); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := repo.Get(tmpl.TemplateID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TemplateID != tmpl.TemplateID {
		t.Fatalf("got wrong template back")
	}

	list := repo.List(nil)
	if len(list) != 1 {
		t.Fatalf("expected 1 template, got %d", len(list))
	}

	if err := repo.Delete(tmpl.TemplateID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(tmpl.TemplateID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRepositoryPutRejectsInvalidTemplate(t *testing.T) {
	repo := NewRepository()
	bad := scaleTemplate()
	bad.Fields[1].Start = 1 // overlaps field 0
	if err := repo.Put(bad); err == nil {
		t.Fatalf("expected Put to reject an overlapping template")
	}
}

func TestRepositoryDeleteUnknown(t *testing.T) {
	repo := NewRepository()
	if err := repo.Delete("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
