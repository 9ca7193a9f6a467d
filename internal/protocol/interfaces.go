//go:build linux

package protocol

// Core interfaces.
var (
	WlDisplay       = &Interface{Name: "wl_display", Version: 1}
	WlRegistry      = &Interface{Name: "wl_registry", Version: 1}
	WlCallback      = &Interface{Name: "wl_callback", Version: 1}
	WlCompositor    = &Interface{Name: "wl_compositor", Version: 4}
	WlSurface       = &Interface{Name: "wl_surface", Version: 5}
	WlRegion        = &Interface{Name: "wl_region", Version: 1}
	WlSubcompositor = &Interface{Name: "wl_subcompositor", Version: 1}
	WlSubsurface    = &Interface{Name: "wl_subsurface", Version: 1}
	WlShm           = &Interface{Name: "wl_shm", Version: 1}
	WlShmPool       = &Interface{Name: "wl_shm_pool", Version: 1}
	WlBuffer        = &Interface{Name: "wl_buffer", Version: 1}
	WlSeat          = &Interface{Name: "wl_seat", Version: 5}
	WlPointer       = &Interface{Name: "wl_pointer", Version: 5}
	WlKeyboard      = &Interface{Name: "wl_keyboard", Version: 5}
	WlTouch         = &Interface{Name: "wl_touch", Version: 5}
	WlOutput        = &Interface{Name: "wl_output", Version: 4}
)

// xdg-output.
var (
	ZxdgOutputManagerV1 = &Interface{Name: "zxdg_output_manager_v1", Version: 3}
	ZxdgOutputV1        = &Interface{Name: "zxdg_output_v1", Version: 3}
)

// Data device (clipboard and drag-and-drop).
var (
	WlDataDeviceManager = &Interface{Name: "wl_data_device_manager", Version: 3}
	WlDataDevice        = &Interface{Name: "wl_data_device", Version: 3}
	WlDataSource        = &Interface{Name: "wl_data_source", Version: 3}
	WlDataOffer         = &Interface{Name: "wl_data_offer", Version: 3}
)

// Primary selection, stable (zwp) and legacy (gtk) variants. The two
// protocols are wire-compatible after an interface rename; the relay
// advertises both backed by the same host global.
var (
	ZwpPrimarySelectionDeviceManagerV1 = &Interface{Name: "zwp_primary_selection_device_manager_v1", Version: 1}
	ZwpPrimarySelectionDeviceV1        = &Interface{Name: "zwp_primary_selection_device_v1", Version: 1}
	ZwpPrimarySelectionSourceV1        = &Interface{Name: "zwp_primary_selection_source_v1", Version: 1}
	ZwpPrimarySelectionOfferV1         = &Interface{Name: "zwp_primary_selection_offer_v1", Version: 1}

	GtkPrimarySelectionDeviceManager = &Interface{Name: "gtk_primary_selection_device_manager", Version: 1}
	GtkPrimarySelectionDevice        = &Interface{Name: "gtk_primary_selection_device", Version: 1}
	GtkPrimarySelectionSource        = &Interface{Name: "gtk_primary_selection_source", Version: 1}
	GtkPrimarySelectionOffer         = &Interface{Name: "gtk_primary_selection_offer", Version: 1}
)

// xdg-shell.
var (
	XdgWmBase     = &Interface{Name: "xdg_wm_base", Version: 3}
	XdgPositioner = &Interface{Name: "xdg_positioner", Version: 3}
	XdgSurface    = &Interface{Name: "xdg_surface", Version: 3}
	XdgToplevel   = &Interface{Name: "xdg_toplevel", Version: 3}
	XdgPopup      = &Interface{Name: "xdg_popup", Version: 3}
)

func init() {
	WlDisplay.Requests = []Msg{
		{Name: "sync", Sig: "n", Types: []*Interface{WlCallback}},
		{Name: "get_registry", Sig: "n", Types: []*Interface{WlRegistry}},
	}
	WlDisplay.Events = []Msg{
		{Name: "error", Sig: "ous"},
		{Name: "delete_id", Sig: "u"},
	}

	WlRegistry.Requests = []Msg{
		// bind carries an untyped new_id: name, interface, version, id.
		{Name: "bind", Sig: "usun", Types: []*Interface{nil, nil, nil, nil}},
	}
	WlRegistry.Events = []Msg{
		{Name: "global", Sig: "usu"},
		{Name: "global_remove", Sig: "u"},
	}

	WlCallback.Events = []Msg{
		{Name: "done", Sig: "u"},
	}

	WlCompositor.Requests = []Msg{
		{Name: "create_surface", Sig: "n", Types: []*Interface{WlSurface}},
		{Name: "create_region", Sig: "n", Types: []*Interface{WlRegion}},
	}

	WlSurface.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "attach", Sig: "?oii", Types: []*Interface{WlBuffer}},
		{Name: "damage", Sig: "iiii"},
		{Name: "frame", Sig: "n", Types: []*Interface{WlCallback}},
		{Name: "set_opaque_region", Sig: "?o", Types: []*Interface{WlRegion}},
		{Name: "set_input_region", Sig: "?o", Types: []*Interface{WlRegion}},
		{Name: "commit", Sig: ""},
		{Name: "set_buffer_transform", Sig: "i", Since: 2},
		{Name: "set_buffer_scale", Sig: "i", Since: 3},
		{Name: "damage_buffer", Sig: "iiii", Since: 4},
		{Name: "offset", Sig: "ii", Since: 5},
	}
	WlSurface.Events = []Msg{
		{Name: "enter", Sig: "o", Types: []*Interface{WlOutput}},
		{Name: "leave", Sig: "o", Types: []*Interface{WlOutput}},
	}

	WlRegion.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "add", Sig: "iiii"},
		{Name: "subtract", Sig: "iiii"},
	}

	WlSubcompositor.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "get_subsurface", Sig: "noo", Types: []*Interface{WlSubsurface, WlSurface, WlSurface}},
	}

	WlSubsurface.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "set_position", Sig: "ii"},
		{Name: "place_above", Sig: "o", Types: []*Interface{WlSurface}},
		{Name: "place_below", Sig: "o", Types: []*Interface{WlSurface}},
		{Name: "set_sync", Sig: ""},
		{Name: "set_desync", Sig: ""},
	}

	WlShm.Requests = []Msg{
		{Name: "create_pool", Sig: "nhi", Types: []*Interface{WlShmPool}},
	}
	WlShm.Events = []Msg{
		{Name: "format", Sig: "u"},
	}

	WlShmPool.Requests = []Msg{
		{Name: "create_buffer", Sig: "niiiiu", Types: []*Interface{WlBuffer}},
		{Name: "destroy", Sig: ""},
		{Name: "resize", Sig: "i"},
	}

	WlBuffer.Requests = []Msg{
		{Name: "destroy", Sig: ""},
	}
	WlBuffer.Events = []Msg{
		{Name: "release", Sig: ""},
	}

	WlSeat.Requests = []Msg{
		{Name: "get_pointer", Sig: "n", Types: []*Interface{WlPointer}},
		{Name: "get_keyboard", Sig: "n", Types: []*Interface{WlKeyboard}},
		{Name: "get_touch", Sig: "n", Types: []*Interface{WlTouch}},
		{Name: "release", Sig: "", Since: 5},
	}
	WlSeat.Events = []Msg{
		{Name: "capabilities", Sig: "u"},
		{Name: "name", Sig: "s", Since: 2},
	}

	WlPointer.Requests = []Msg{
		{Name: "set_cursor", Sig: "u?oii", Types: []*Interface{nil, WlSurface}},
		{Name: "release", Sig: "", Since: 3},
	}
	WlPointer.Events = []Msg{
		{Name: "enter", Sig: "uoff", Types: []*Interface{nil, WlSurface}},
		{Name: "leave", Sig: "uo", Types: []*Interface{nil, WlSurface}},
		{Name: "motion", Sig: "uff"},
		{Name: "button", Sig: "uuuu"},
		{Name: "axis", Sig: "uf"},
		{Name: "frame", Sig: "", Since: 5},
		{Name: "axis_source", Sig: "u", Since: 5},
		{Name: "axis_stop", Sig: "uu", Since: 5},
		{Name: "axis_discrete", Sig: "ui", Since: 5},
	}

	WlKeyboard.Requests = []Msg{
		{Name: "release", Sig: "", Since: 3},
	}
	WlKeyboard.Events = []Msg{
		{Name: "keymap", Sig: "uhu"},
		{Name: "enter", Sig: "uoa", Types: []*Interface{nil, WlSurface}},
		{Name: "leave", Sig: "uo", Types: []*Interface{nil, WlSurface}},
		{Name: "key", Sig: "uuuu"},
		{Name: "modifiers", Sig: "uuuuu"},
		{Name: "repeat_info", Sig: "ii", Since: 4},
	}

	WlTouch.Requests = []Msg{
		{Name: "release", Sig: "", Since: 3},
	}
	WlTouch.Events = []Msg{
		{Name: "down", Sig: "uuoiff", Types: []*Interface{nil, nil, WlSurface}},
		{Name: "up", Sig: "uui"},
		{Name: "motion", Sig: "uiff"},
		{Name: "frame", Sig: ""},
		{Name: "cancel", Sig: ""},
	}

	WlOutput.Requests = []Msg{
		{Name: "release", Sig: "", Since: 3},
	}
	WlOutput.Events = []Msg{
		{Name: "geometry", Sig: "iiiiissi"},
		{Name: "mode", Sig: "uiii"},
		{Name: "done", Sig: "", Since: 2},
		{Name: "scale", Sig: "i", Since: 2},
		{Name: "name", Sig: "s", Since: 4},
		{Name: "description", Sig: "s", Since: 4},
	}

	ZxdgOutputManagerV1.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "get_xdg_output", Sig: "no", Types: []*Interface{ZxdgOutputV1, WlOutput}},
	}

	ZxdgOutputV1.Requests = []Msg{
		{Name: "destroy", Sig: ""},
	}
	ZxdgOutputV1.Events = []Msg{
		{Name: "logical_position", Sig: "ii"},
		{Name: "logical_size", Sig: "ii"},
		{Name: "done", Sig: ""},
		{Name: "name", Sig: "s", Since: 2},
		{Name: "description", Sig: "s", Since: 2},
	}

	WlDataDeviceManager.Requests = []Msg{
		{Name: "create_data_source", Sig: "n", Types: []*Interface{WlDataSource}},
		{Name: "get_data_device", Sig: "no", Types: []*Interface{WlDataDevice, WlSeat}},
	}

	WlDataDevice.Requests = []Msg{
		{Name: "start_drag", Sig: "?oo?ou", Types: []*Interface{WlDataSource, WlSurface, WlSurface}},
		{Name: "set_selection", Sig: "?ou", Types: []*Interface{WlDataSource}},
		{Name: "release", Sig: "", Since: 2},
	}
	WlDataDevice.Events = []Msg{
		{Name: "data_offer", Sig: "n", Types: []*Interface{WlDataOffer}},
		{Name: "enter", Sig: "uoff?o", Types: []*Interface{nil, WlSurface, nil, nil, WlDataOffer}},
		{Name: "leave", Sig: ""},
		{Name: "motion", Sig: "uff"},
		{Name: "drop", Sig: ""},
		{Name: "selection", Sig: "?o", Types: []*Interface{WlDataOffer}},
	}

	WlDataSource.Requests = []Msg{
		{Name: "offer", Sig: "s"},
		{Name: "destroy", Sig: ""},
		{Name: "set_actions", Sig: "u", Since: 3},
	}
	WlDataSource.Events = []Msg{
		{Name: "target", Sig: "?s"},
		{Name: "send", Sig: "sh"},
		{Name: "cancelled", Sig: ""},
		{Name: "dnd_drop_performed", Sig: "", Since: 3},
		{Name: "dnd_finished", Sig: "", Since: 3},
		{Name: "action", Sig: "u", Since: 3},
	}

	WlDataOffer.Requests = []Msg{
		{Name: "accept", Sig: "u?s"},
		{Name: "receive", Sig: "sh"},
		{Name: "destroy", Sig: ""},
		{Name: "finish", Sig: "", Since: 3},
		{Name: "set_actions", Sig: "uu", Since: 3},
	}
	WlDataOffer.Events = []Msg{
		{Name: "offer", Sig: "s"},
		{Name: "source_actions", Sig: "u", Since: 3},
		{Name: "action", Sig: "u", Since: 3},
	}

	primarySelection(ZwpPrimarySelectionDeviceManagerV1, ZwpPrimarySelectionDeviceV1,
		ZwpPrimarySelectionSourceV1, ZwpPrimarySelectionOfferV1)
	primarySelection(GtkPrimarySelectionDeviceManager, GtkPrimarySelectionDevice,
		GtkPrimarySelectionSource, GtkPrimarySelectionOffer)

	XdgWmBase.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "create_positioner", Sig: "n", Types: []*Interface{XdgPositioner}},
		{Name: "get_xdg_surface", Sig: "no", Types: []*Interface{XdgSurface, WlSurface}},
		{Name: "pong", Sig: "u"},
	}
	XdgWmBase.Events = []Msg{
		{Name: "ping", Sig: "u"},
	}

	XdgPositioner.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "set_size", Sig: "ii"},
		{Name: "set_anchor_rect", Sig: "iiii"},
		{Name: "set_anchor", Sig: "u"},
		{Name: "set_gravity", Sig: "u"},
		{Name: "set_constraint_adjustment", Sig: "u"},
		{Name: "set_offset", Sig: "ii"},
		{Name: "set_reactive", Sig: "", Since: 3},
		{Name: "set_parent_size", Sig: "ii", Since: 3},
		{Name: "set_parent_configure", Sig: "u", Since: 3},
	}

	XdgSurface.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "get_toplevel", Sig: "n", Types: []*Interface{XdgToplevel}},
		{Name: "get_popup", Sig: "n?oo", Types: []*Interface{XdgPopup, XdgSurface, XdgPositioner}},
		{Name: "set_window_geometry", Sig: "iiii"},
		{Name: "ack_configure", Sig: "u"},
	}
	XdgSurface.Events = []Msg{
		{Name: "configure", Sig: "u"},
	}

	XdgToplevel.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "set_parent", Sig: "?o", Types: []*Interface{XdgToplevel}},
		{Name: "set_title", Sig: "s"},
		{Name: "set_app_id", Sig: "s"},
		{Name: "show_window_menu", Sig: "ouii", Types: []*Interface{WlSeat}},
		{Name: "move", Sig: "ou", Types: []*Interface{WlSeat}},
		{Name: "resize", Sig: "ouu", Types: []*Interface{WlSeat}},
		{Name: "set_max_size", Sig: "ii"},
		{Name: "set_min_size", Sig: "ii"},
		{Name: "set_maximized", Sig: ""},
		{Name: "unset_maximized", Sig: ""},
		{Name: "set_fullscreen", Sig: "?o", Types: []*Interface{WlOutput}},
		{Name: "unset_fullscreen", Sig: ""},
		{Name: "set_minimized", Sig: ""},
	}
	XdgToplevel.Events = []Msg{
		{Name: "configure", Sig: "iia"},
		{Name: "close", Sig: ""},
	}

	XdgPopup.Requests = []Msg{
		{Name: "destroy", Sig: ""},
		{Name: "grab", Sig: "ou", Types: []*Interface{WlSeat}},
		{Name: "reposition", Sig: "ou", Types: []*Interface{XdgPositioner}, Since: 3},
	}
	XdgPopup.Events = []Msg{
		{Name: "configure", Sig: "iiii"},
		{Name: "popup_done", Sig: ""},
		{Name: "repositioned", Sig: "u", Since: 3},
	}

	register(
		WlDisplay, WlRegistry, WlCallback, WlCompositor, WlSurface, WlRegion,
		WlSubcompositor, WlSubsurface, WlShm, WlShmPool, WlBuffer,
		WlSeat, WlPointer, WlKeyboard, WlTouch, WlOutput,
		ZxdgOutputManagerV1, ZxdgOutputV1,
		WlDataDeviceManager, WlDataDevice, WlDataSource, WlDataOffer,
		ZwpPrimarySelectionDeviceManagerV1, ZwpPrimarySelectionDeviceV1,
		ZwpPrimarySelectionSourceV1, ZwpPrimarySelectionOfferV1,
		GtkPrimarySelectionDeviceManager, GtkPrimarySelectionDevice,
		GtkPrimarySelectionSource, GtkPrimarySelectionOffer,
		XdgWmBase, XdgPositioner, XdgSurface, XdgToplevel, XdgPopup,
	)
}

// primarySelection fills in the shared message tables of the zwp and gtk
// primary-selection families. The two protocols have identical wire
// shapes; only the interface names differ.
func primarySelection(manager, device, source, offer *Interface) {
	manager.Requests = []Msg{
		{Name: "create_source", Sig: "n", Types: []*Interface{source}},
		{Name: "get_device", Sig: "no", Types: []*Interface{device, WlSeat}},
		{Name: "destroy", Sig: ""},
	}
	device.Requests = []Msg{
		{Name: "set_selection", Sig: "?ou", Types: []*Interface{source}},
		{Name: "destroy", Sig: ""},
	}
	device.Events = []Msg{
		{Name: "data_offer", Sig: "n", Types: []*Interface{offer}},
		{Name: "selection", Sig: "?o", Types: []*Interface{offer}},
	}
	source.Requests = []Msg{
		{Name: "offer", Sig: "s"},
		{Name: "destroy", Sig: ""},
	}
	source.Events = []Msg{
		{Name: "send", Sig: "sh"},
		{Name: "cancelled", Sig: ""},
	}
	offer.Requests = []Msg{
		{Name: "receive", Sig: "sh"},
		{Name: "destroy", Sig: ""},
	}
	offer.Events = []Msg{
		{Name: "offer", Sig: "s"},
	}
}
