package mem

// Virtual address space layout, expressed as PML4 slot numbers (each slot
// covers 1<<39 bytes on x86-64). vmem and memspace import these so the
// layout is defined in exactly one place.

/// VUSER is the first user-space PML4 slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

// CopyBuffer is the top of the user-addressable range (spec §3's
// "[ALLOC_BEGIN, COPY_BUFFER)"): above it sits a kernel scratch window
// used for the raw copy_to_user/copy_from_user routines (C5).
const CopyBuffer int = (VUSER + 1) << 39
