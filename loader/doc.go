// Package loader implements module lifecycle management: registration of
// versioned module definitions, transactional dependency-ordered loading,
// cascading force unload, and a global symbol table.
//
// A Load resolves the target's constraint closure (highest compatible
// version wins), orders it dependencies-first, and activates each module:
// imports resolved against already-published exports, exports published
// under globally unique "module::symbol" names, then the init hook. Any
// failure rolls back every module activated during the attempt and reclaims
// its registry resources, so observers never see partial state.
//
// Loads of the same module id serialize; independent ids load concurrently.
package loader
