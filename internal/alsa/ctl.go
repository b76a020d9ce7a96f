package alsa

/*
#include <alsa/asoundlib.h>
#include <stdlib.h>

static int findElem(snd_ctl_t *ctl, const char *name, snd_ctl_elem_id_t *id) {
	snd_ctl_elem_list_t *list;
	snd_ctl_elem_list_alloca(&list);

	int err = snd_ctl_elem_list(ctl, list);
	if (err < 0)
		return err;

	unsigned int count = snd_ctl_elem_list_get_count(list);
	err = snd_ctl_elem_list_alloc_space(list, count);
	if (err < 0)
		return err;

	err = snd_ctl_elem_list(ctl, list);
	if (err < 0) {
		snd_ctl_elem_list_free_space(list);
		return err;
	}

	int found = -ENOENT;
	for (unsigned int i = 0; i < count; i++) {
		if (strcmp(snd_ctl_elem_list_get_name(list, i), name) == 0) {
			snd_ctl_elem_list_get_id(list, i, id);
			found = 0;
			break;
		}
	}
	snd_ctl_elem_list_free_space(list);
	return found;
}

static int dbRange(snd_ctl_t *ctl, snd_ctl_elem_id_t *id,
                   long rawmin, long rawmax, long *min, long *max) {
	unsigned int tlv[64];
	int err = snd_ctl_elem_tlv_read(ctl, id, tlv, sizeof(tlv));
	if (err < 0)
		return err;
	return snd_tlv_get_dB_range(tlv, rawmin, rawmax, min, max);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/linuxmatters/coilwatch/internal/mixer"
)

// ControlPort exposes the card's ctl interface as a mixer.Port.
type ControlPort struct {
	ctl  *C.snd_ctl_t
	card int
}

// OpenControl opens hw:<card>'s control interface.
func OpenControl(card int) (*ControlPort, error) {
	name := C.CString(fmt.Sprintf("hw:%d", card))
	defer C.free(unsafe.Pointer(name))

	var ctl *C.snd_ctl_t
	if err := C.snd_ctl_open(&ctl, name, 0); err < 0 {
		return nil, fmt.Errorf("opening control hw:%d: %s", card, strerror(err))
	}
	return &ControlPort{ctl: ctl, card: card}, nil
}

// Find resolves a ctl element by name and caches its description.
func (p *ControlPort) Find(name string) (mixer.Elem, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var id *C.snd_ctl_elem_id_t
	C.snd_ctl_elem_id_malloc(&id)

	if err := C.findElem(p.ctl, cname, id); err < 0 {
		C.snd_ctl_elem_id_free(id)
		if err == -C.ENOENT {
			return nil, fmt.Errorf("%w: %q on hw:%d", mixer.ErrNotFound, name, p.card)
		}
		return nil, fmt.Errorf("listing elements on hw:%d: %s", p.card, strerror(err))
	}

	elem := &ctlElem{port: p, id: id}
	info, err := elem.describe(name)
	if err != nil {
		C.snd_ctl_elem_id_free(id)
		return nil, err
	}
	elem.info = info
	return elem, nil
}

// Close releases the control interface.
func (p *ControlPort) Close() error {
	if p.ctl == nil {
		return nil
	}
	C.snd_ctl_close(p.ctl)
	p.ctl = nil
	return nil
}

// ctlElem is one ctl element with its cached Info.
type ctlElem struct {
	port *ControlPort
	id   *C.snd_ctl_elem_id_t
	info mixer.Info
}

func (e *ctlElem) Info() mixer.Info { return e.info }

// describe queries the element once: variant, value count, integer range,
// dB TLV and enumeration items.
func (e *ctlElem) describe(name string) (mixer.Info, error) {
	var raw *C.snd_ctl_elem_info_t
	C.snd_ctl_elem_info_malloc(&raw)
	defer C.snd_ctl_elem_info_free(raw)

	C.snd_ctl_elem_info_set_id(raw, e.id)
	if err := C.snd_ctl_elem_info(e.port.ctl, raw); err < 0 {
		return mixer.Info{}, fmt.Errorf("describing %q: %s", name, strerror(err))
	}

	info := mixer.Info{
		Name:  name,
		Count: int(C.snd_ctl_elem_info_get_count(raw)),
	}

	switch C.snd_ctl_elem_info_get_type(raw) {
	case C.SND_CTL_ELEM_TYPE_INTEGER:
		info.Type = mixer.TypeInteger
		info.Range = mixer.Range{
			Min:  int32(C.snd_ctl_elem_info_get_min(raw)),
			Max:  int32(C.snd_ctl_elem_info_get_max(raw)),
			Step: int32(C.snd_ctl_elem_info_get_step(raw)),
		}
		if info.Range.Step == 0 {
			info.Range.Step = 1
		}
		var dbMin, dbMax C.long
		if C.dbRange(e.port.ctl, e.id,
			C.long(info.Range.Min), C.long(info.Range.Max), &dbMin, &dbMax) >= 0 {
			// TLV reports centi-dB.
			info.Range.DBMin = float64(dbMin) / 100
			info.Range.DBMax = float64(dbMax) / 100
			info.Range.HasDB = true
		}
	case C.SND_CTL_ELEM_TYPE_BOOLEAN:
		info.Type = mixer.TypeBoolean
	case C.SND_CTL_ELEM_TYPE_ENUMERATED:
		info.Type = mixer.TypeEnumerated
		items := int(C.snd_ctl_elem_info_get_items(raw))
		for i := 0; i < items; i++ {
			C.snd_ctl_elem_info_set_item(raw, C.uint(i))
			if err := C.snd_ctl_elem_info(e.port.ctl, raw); err < 0 {
				return mixer.Info{}, fmt.Errorf("describing %q item %d: %s", name, i, strerror(err))
			}
			info.Items = append(info.Items, C.GoString(C.snd_ctl_elem_info_get_item_name(raw)))
		}
	default:
		return mixer.Info{}, fmt.Errorf("%w: %q is neither integer, boolean nor enumerated",
			mixer.ErrType, name)
	}

	return info, nil
}

func (e *ctlElem) Read() ([]int32, error) {
	var value *C.snd_ctl_elem_value_t
	C.snd_ctl_elem_value_malloc(&value)
	defer C.snd_ctl_elem_value_free(value)

	C.snd_ctl_elem_value_set_id(value, e.id)
	if err := C.snd_ctl_elem_read(e.port.ctl, value); err < 0 {
		return nil, fmt.Errorf("reading %q: %s", e.info.Name, strerror(err))
	}

	out := make([]int32, e.info.Count)
	for i := range out {
		switch e.info.Type {
		case mixer.TypeBoolean:
			out[i] = int32(C.snd_ctl_elem_value_get_boolean(value, C.uint(i)))
		case mixer.TypeEnumerated:
			out[i] = int32(C.snd_ctl_elem_value_get_enumerated(value, C.uint(i)))
		default:
			out[i] = int32(C.snd_ctl_elem_value_get_integer(value, C.uint(i)))
		}
	}
	return out, nil
}

func (e *ctlElem) Write(values []int32) error {
	if len(values) != e.info.Count {
		return fmt.Errorf("%w: %q carries %d values, write has %d",
			mixer.ErrShortValues, e.info.Name, e.info.Count, len(values))
	}

	var value *C.snd_ctl_elem_value_t
	C.snd_ctl_elem_value_malloc(&value)
	defer C.snd_ctl_elem_value_free(value)

	C.snd_ctl_elem_value_set_id(value, e.id)
	for i, v := range values {
		switch e.info.Type {
		case mixer.TypeBoolean:
			C.snd_ctl_elem_value_set_boolean(value, C.uint(i), C.long(v))
		case mixer.TypeEnumerated:
			C.snd_ctl_elem_value_set_enumerated(value, C.uint(i), C.uint(v))
		default:
			C.snd_ctl_elem_value_set_integer(value, C.uint(i), C.long(v))
		}
	}

	if err := C.snd_ctl_elem_write(e.port.ctl, value); err < 0 {
		return fmt.Errorf("writing %q: %s", e.info.Name, strerror(err))
	}
	return nil
}
